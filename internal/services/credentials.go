package services

import (
	"context"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"parley-backend/internal/models"
)

// CredentialProvider resolves the bearer token used for one upstream call.
// OAuth2 exchanges happen fresh on every turn; tokens are not cached across
// requests.
type CredentialProvider struct {
	staticToken string
}

func NewCredentialProvider(staticToken string) *CredentialProvider {
	return &CredentialProvider{staticToken: staticToken}
}

// Token returns the bearer token for the given model config. A nil config or
// an unset auth type falls back to the statically configured token. For
// auth type "none" the empty token is returned; whether the endpoint accepts
// an unauthenticated call is decided at the HTTP layer.
func (p *CredentialProvider) Token(ctx context.Context, mc *models.ModelConfig) (string, error) {
	authType := ""
	if mc != nil {
		authType = mc.AuthType
	}

	switch authType {
	case models.AuthTypeNone:
		return "", nil
	case models.AuthTypeOAuth2:
		return p.exchange(ctx, mc)
	default: // "bearer" or unset
		if strings.TrimSpace(p.staticToken) == "" {
			return "", &RelayError{Code: CodeMissingCredential, Message: "no API token configured"}
		}
		return p.staticToken, nil
	}
}

func (p *CredentialProvider) exchange(ctx context.Context, mc *models.ModelConfig) (string, error) {
	conf := &clientcredentials.Config{
		TokenURL:     mc.TokenURL,
		ClientID:     mc.ClientID,
		ClientSecret: mc.ClientSecret,
		// Credentials go in the form-encoded body, not a Basic auth header.
		AuthStyle: oauth2.AuthStyleInParams,
	}
	if mc.Scope != "" {
		conf.Scopes = []string{mc.Scope}
	}

	// A fresh config per call means a fresh exchange per chat turn.
	tok, err := conf.Token(ctx)
	if err != nil {
		return "", &RelayError{Code: CodeOAuthExchange, Message: "token exchange failed for model " + mc.Key, Err: err}
	}
	if tok.AccessToken == "" {
		return "", &RelayError{Code: CodeOAuthExchange, Message: "token response missing access_token"}
	}
	return tok.AccessToken, nil
}
