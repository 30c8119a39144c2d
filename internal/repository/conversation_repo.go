package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"parley-backend/internal/models"
)

type ConversationRepo struct {
	pool *pgxpool.Pool
}

func NewConversationRepo(pool *pgxpool.Pool) *ConversationRepo {
	return &ConversationRepo{pool: pool}
}

// Create inserts a conversation and returns it with its generated id. The id
// is available synchronously, so no read-after-write lookup is needed.
func (r *ConversationRepo) Create(ctx context.Context, title, model string) (*models.Conversation, error) {
	c := &models.Conversation{ID: uuid.New(), Title: title, Model: model}

	query := `INSERT INTO conversations (id, title, model)
		VALUES ($1, $2, $3) RETURNING created_at, modified_at`

	if err := r.pool.QueryRow(ctx, query, c.ID, c.Title, c.Model).Scan(&c.CreatedAt, &c.ModifiedAt); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *ConversationRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	c := &models.Conversation{}
	query := `SELECT id, title, model, created_at, modified_at FROM conversations WHERE id = $1`

	err := r.pool.QueryRow(ctx, query, id).Scan(&c.ID, &c.Title, &c.Model, &c.CreatedAt, &c.ModifiedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *ConversationRepo) List(ctx context.Context) ([]*models.Conversation, error) {
	query := `SELECT id, title, model, created_at, modified_at
		FROM conversations ORDER BY modified_at DESC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conversations []*models.Conversation
	for rows.Next() {
		c := &models.Conversation{}
		if err := rows.Scan(&c.ID, &c.Title, &c.Model, &c.CreatedAt, &c.ModifiedAt); err != nil {
			return nil, err
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

func (r *ConversationRepo) TouchModifiedAt(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, "UPDATE conversations SET modified_at = NOW() WHERE id = $1", id)
	return err
}

func (r *ConversationRepo) UpdateTitle(ctx context.Context, id uuid.UUID, title string) error {
	_, err := r.pool.Exec(ctx, "UPDATE conversations SET title = $1 WHERE id = $2", title, id)
	return err
}

// Delete removes the conversation; messages go with it via ON DELETE CASCADE.
func (r *ConversationRepo) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, "DELETE FROM conversations WHERE id = $1", id)
	return err
}
