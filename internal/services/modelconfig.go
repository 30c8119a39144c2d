package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"

	"parley-backend/internal/models"
)

type modelConfigAdmin interface {
	GetByKey(ctx context.Context, key string) (*models.ModelConfig, error)
	List(ctx context.Context) ([]*models.ModelConfig, error)
	Create(ctx context.Context, m *models.ModelConfig) error
	Update(ctx context.Context, m *models.ModelConfig) error
	Delete(ctx context.Context, key string) error
}

// ModelConfigService validates and persists model configurations. Updates to
// configs are rare administrative operations; readers of the hot path always
// see a committed row, last writer wins.
type ModelConfigService struct {
	repo modelConfigAdmin
}

func NewModelConfigService(repo modelConfigAdmin) *ModelConfigService {
	return &ModelConfigService{repo: repo}
}

func (s *ModelConfigService) List(ctx context.Context) ([]*models.ModelConfig, error) {
	return s.repo.List(ctx)
}

func (s *ModelConfigService) Get(ctx context.Context, key string) (*models.ModelConfig, error) {
	mc, err := s.repo.GetByKey(ctx, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Message: "Model config not found"}
		}
		return nil, fmt.Errorf("failed to load model config: %w", err)
	}
	return mc, nil
}

func (s *ModelConfigService) Create(ctx context.Context, req models.ModelConfigRequest) (*models.ModelConfig, error) {
	mc, err := buildConfig(req, true)
	if err != nil {
		return nil, err
	}

	_, err = s.repo.GetByKey(ctx, mc.Key)
	if err == nil {
		return nil, &ConflictError{Message: "A model config with this key already exists"}
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to check model config key: %w", err)
	}

	if err := s.repo.Create(ctx, mc); err != nil {
		return nil, fmt.Errorf("failed to create model config: %w", err)
	}
	return mc, nil
}

func (s *ModelConfigService) Update(ctx context.Context, key string, req models.ModelConfigRequest) (*models.ModelConfig, error) {
	if _, err := s.Get(ctx, key); err != nil {
		return nil, err
	}

	req.Key = key
	// An empty secret means "keep the stored one": secrets are write-only
	// and are never round-tripped through the UI.
	mc, err := buildConfig(req, false)
	if err != nil {
		return nil, err
	}

	if err := s.repo.Update(ctx, mc); err != nil {
		return nil, fmt.Errorf("failed to update model config: %w", err)
	}
	return s.Get(ctx, key)
}

func (s *ModelConfigService) Delete(ctx context.Context, key string) error {
	if _, err := s.Get(ctx, key); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete model config: %w", err)
	}
	return nil
}

func buildConfig(req models.ModelConfigRequest, secretRequired bool) (*models.ModelConfig, error) {
	fields := make(map[string]string)

	if strings.TrimSpace(req.Key) == "" {
		fields["key"] = "Key is required"
	}
	if strings.TrimSpace(req.Name) == "" {
		fields["name"] = "Name is required"
	}
	if req.DeploymentURL != "" {
		if _, err := url.ParseRequestURI(req.DeploymentURL); err != nil {
			fields["deployment_url"] = "Deployment URL must be a valid URL"
		}
	}

	authType := req.AuthType
	if authType == "" {
		authType = models.AuthTypeBearer
	}
	switch authType {
	case models.AuthTypeBearer, models.AuthTypeNone:
	case models.AuthTypeOAuth2:
		if strings.TrimSpace(req.TokenURL) == "" {
			fields["token_url"] = "Token URL is required for OAuth2"
		}
		if strings.TrimSpace(req.ClientID) == "" {
			fields["client_id"] = "Client ID is required for OAuth2"
		}
		if secretRequired && strings.TrimSpace(req.ClientSecret) == "" {
			fields["client_secret"] = "Client secret is required for OAuth2"
		}
	default:
		fields["auth_type"] = "Auth type must be one of: bearer, oauth2, none"
	}

	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	return &models.ModelConfig{
		Key:           strings.TrimSpace(req.Key),
		Name:          strings.TrimSpace(req.Name),
		DeploymentURL: req.DeploymentURL,
		SystemPrompt:  req.SystemPrompt,
		AuthType:      authType,
		TokenURL:      req.TokenURL,
		ClientID:      req.ClientID,
		ClientSecret:  req.ClientSecret,
		Scope:         req.Scope,
	}, nil
}
