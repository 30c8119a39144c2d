package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"parley-backend/internal/models"
)

type ModelConfigRepo struct {
	pool *pgxpool.Pool
}

func NewModelConfigRepo(pool *pgxpool.Pool) *ModelConfigRepo {
	return &ModelConfigRepo{pool: pool}
}

func (r *ModelConfigRepo) GetByKey(ctx context.Context, key string) (*models.ModelConfig, error) {
	m := &models.ModelConfig{}
	query := `SELECT key, name, deployment_url, system_prompt, auth_type,
		token_url, client_id, client_secret, scope, created_at, updated_at
		FROM model_configs WHERE key = $1`

	err := r.pool.QueryRow(ctx, query, key).Scan(
		&m.Key, &m.Name, &m.DeploymentURL, &m.SystemPrompt, &m.AuthType,
		&m.TokenURL, &m.ClientID, &m.ClientSecret, &m.Scope, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *ModelConfigRepo) List(ctx context.Context) ([]*models.ModelConfig, error) {
	query := `SELECT key, name, deployment_url, system_prompt, auth_type,
		token_url, client_id, client_secret, scope, created_at, updated_at
		FROM model_configs ORDER BY name ASC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*models.ModelConfig
	for rows.Next() {
		m := &models.ModelConfig{}
		err := rows.Scan(
			&m.Key, &m.Name, &m.DeploymentURL, &m.SystemPrompt, &m.AuthType,
			&m.TokenURL, &m.ClientID, &m.ClientSecret, &m.Scope, &m.CreatedAt, &m.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		configs = append(configs, m)
	}
	return configs, rows.Err()
}

func (r *ModelConfigRepo) Create(ctx context.Context, m *models.ModelConfig) error {
	query := `INSERT INTO model_configs
		(key, name, deployment_url, system_prompt, auth_type, token_url, client_id, client_secret, scope)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`

	return r.pool.QueryRow(ctx, query,
		m.Key, m.Name, m.DeploymentURL, m.SystemPrompt, m.AuthType,
		m.TokenURL, m.ClientID, m.ClientSecret, m.Scope,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
}

// Update overwrites the config. An empty client secret keeps the stored one;
// secrets are write-only through the API and are never echoed back for
// re-submission.
func (r *ModelConfigRepo) Update(ctx context.Context, m *models.ModelConfig) error {
	query := `UPDATE model_configs SET
		name = $1, deployment_url = $2, system_prompt = $3, auth_type = $4,
		token_url = $5, client_id = $6,
		client_secret = COALESCE(NULLIF($7, ''), client_secret),
		scope = $8, updated_at = NOW()
		WHERE key = $9`

	_, err := r.pool.Exec(ctx, query,
		m.Name, m.DeploymentURL, m.SystemPrompt, m.AuthType,
		m.TokenURL, m.ClientID, m.ClientSecret, m.Scope, m.Key,
	)
	return err
}

func (r *ModelConfigRepo) Delete(ctx context.Context, key string) error {
	_, err := r.pool.Exec(ctx, "DELETE FROM model_configs WHERE key = $1", key)
	return err
}
