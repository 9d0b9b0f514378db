package policy

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultPath returns the default policy location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "toolwarden", "policy.yaml")
	}
	return filepath.Join(home, ".toolwarden", "policy.yaml")
}

// Load reads and validates the policy at path. Empty path falls back to
// DefaultPath. Unlike defaults-on-missing loaders, a missing file is an error:
// there is no permissive fallback policy.
//
// err is non-nil only when the file cannot be read; validation problems are
// reported in the result and leave the returned policy nil.
func Load(path string) (*Policy, ValidationResult, error) {
	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ValidationResult{}, fmt.Errorf("read policy %s: %w", path, err)
	}
	p, res := Parse(data)
	return p, res, nil
}
