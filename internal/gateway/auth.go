package gateway

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadAuthToken resolves the gateway bearer token: the CALYX_AUTH_TOKEN
// env var wins, then auth.token in the station home, and on first run a
// fresh token is minted and persisted with owner-only permissions.
func LoadAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("CALYX_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if token := strings.TrimSpace(string(b)); token != "" {
			return token, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read auth token: %w", err)
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist auth token: %w", err)
	}
	return token, nil
}
