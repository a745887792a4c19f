package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"esim-fulfillment-service/internal/config"
)

// AuthService validates support-agent tokens against the external auth
// microservice. Refund and resend endpoints are support-only.
type AuthService struct {
	authURL string
	client  *http.Client
}

type AuthUser struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
	Login       string   `json:"login"`
	Enabled     bool     `json:"enabled"`
}

func NewAuthService(cfg *config.Config) *AuthService {
	return &AuthService{
		authURL: cfg.AuthURL,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// IsAdmin reports whether the user carries the admin permission. Force
// refunds are admin-only.
func (a *AuthService) IsAdmin(user *AuthUser) bool {
	for _, perm := range user.Permissions {
		if perm == "admin" {
			return true
		}
	}
	return false
}

// ValidateToken resolves the current user from the auth service.
func (a *AuthService) ValidateToken(token string) (*AuthUser, error) {
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/users/current", a.authURL), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("invalid token")
	}

	var user AuthUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, err
	}
	if !user.Enabled {
		return nil, errors.New("user disabled")
	}
	return &user, nil
}
