package control

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TokenFileName is the file under the build root that holds the token of the
// running server.
const TokenFileName = "control.token"

// WriteTokenFile stores token in dir/TokenFileName, readable only by the
// owner, and returns the file path.
func WriteTokenFile(dir, token string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create token dir: %w", err)
	}
	path := filepath.Join(dir, TokenFileName)
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write token file: %w", err)
	}
	return path, nil
}

// ReadTokenFile returns the token stored at path.
func ReadTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", path)
	}
	return token, nil
}
