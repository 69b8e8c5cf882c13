// Package pathutil normalizes user-supplied storage paths before they reach
// the locking service.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandStorageRoot turns a CLI- or config-supplied path into a cleaned
// absolute path, expanding environment variables ($VAR, ${VAR}) and a
// leading "~/" first. An empty input stays empty.
func ExpandStorageRoot(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", nil
	}
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") || strings.HasPrefix(p, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if p == "~" {
			p = home
		} else {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}
