package models

import "time"

const (
	AuthTypeBearer = "bearer"
	AuthTypeOAuth2 = "oauth2"
	AuthTypeNone   = "none"
)

// ModelConfig holds the deployment and auth settings for one model key.
// ClientSecret is write-only: it never appears in API responses.
type ModelConfig struct {
	Key           string    `json:"key"`
	Name          string    `json:"name"`
	DeploymentURL string    `json:"deployment_url"`
	SystemPrompt  string    `json:"system_prompt"`
	AuthType      string    `json:"auth_type"` // "bearer" | "oauth2" | "none"
	TokenURL      string    `json:"token_url"`
	ClientID      string    `json:"client_id"`
	ClientSecret  string    `json:"-"`
	Scope         string    `json:"scope"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ModelConfigRequest is the create/update payload. An empty client_secret on
// update leaves the stored secret unchanged.
type ModelConfigRequest struct {
	Key           string `json:"key"`
	Name          string `json:"name"`
	DeploymentURL string `json:"deployment_url"`
	SystemPrompt  string `json:"system_prompt"`
	AuthType      string `json:"auth_type"`
	TokenURL      string `json:"token_url"`
	ClientID      string `json:"client_id"`
	ClientSecret  string `json:"client_secret"`
	Scope         string `json:"scope"`
}
