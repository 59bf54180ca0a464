package gateway

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadAuthToken resolves the gateway bearer token. Order: CONDUCTOR_AUTH_TOKEN
// env var, then <home>/auth.token, then a fresh token generated and persisted
// with 0600 on first run.
func LoadAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("CONDUCTOR_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	return token, nil
}
