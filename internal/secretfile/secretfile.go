// Package secretfile reads secret values (passwords, passphrases) from
// dedicated files so they never need to sit inline in a shared TOML config,
// mirroring the teacher's internal/tokenfile pattern for OAuth tokens
// (SPEC_FULL.md "Configuration": "internal/tokenfile-style helper, renamed
// internal/secretfile").
package secretfile

import (
	"fmt"
	"os"
	"strings"
)

// FilePerms is the permission mode secret files are expected to carry.
// Read does not enforce this (the file may be managed by the user's own
// secret store), but callers that write one should use it.
const FilePerms = 0o600

// Read loads the trimmed contents of path as a secret string. An empty
// path is not an error — it simply means no secret file was configured,
// and callers should fall back to an inline value.
func Read(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("secretfile: reading %s: %w", path, err)
	}

	return strings.TrimSpace(string(data)), nil
}
