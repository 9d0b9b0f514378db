// Package integrity verifies the gateway binary against a known checksum.
// The expected hash is embedded at build time via ldflags or installed
// next to the policy as binary.sha256.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ExpectedHash is set at build time via:
//
//	-ldflags "-X github.com/ppiankov/toolwarden/internal/integrity.ExpectedHash=<sha256hex>"
//
// When empty, verification falls back to a checksum file.
var ExpectedHash string

// ChecksumPaths are checked in order for a file holding one hex SHA-256.
var ChecksumPaths = []string{
	"/etc/toolwarden/binary.sha256",
	"$HOME/.toolwarden/binary.sha256",
}

// ErrMismatch is returned when the binary does not match the expected hash.
var ErrMismatch = errors.New("binary checksum mismatch")

// Status is the outcome of a verification.
type Status string

const (
	StatusVerified Status = "verified"
	// StatusUnpinned means no expected hash is known (dev build).
	StatusUnpinned Status = "unpinned"
	StatusMismatch Status = "mismatch"
)

// Report describes one verification of a binary.
type Report struct {
	Binary   string `json:"binary"`
	Status   Status `json:"status"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// Short returns an abbreviated form of the actual hash.
func (r Report) Short() string {
	if len(r.Actual) < 16 {
		return r.Actual
	}
	return r.Actual[:8] + "..." + r.Actual[len(r.Actual)-8:]
}

// VerifySelf checks the running executable.
func VerifySelf() (Report, error) {
	exePath, err := os.Executable()
	if err != nil {
		return Report{}, fmt.Errorf("integrity: cannot resolve executable path: %w", err)
	}
	return Verify(exePath)
}

// Verify hashes the binary at path and compares it with ExpectedHash or,
// when that is empty, the first valid checksum file. A mismatch returns
// the report together with ErrMismatch.
func Verify(path string) (Report, error) {
	r := Report{Binary: path, Expected: ExpectedHash}
	if r.Expected == "" {
		r.Expected = loadChecksumFile()
	}

	actual, err := hashFile(path)
	if err != nil {
		return r, fmt.Errorf("integrity: cannot hash binary: %w", err)
	}
	r.Actual = actual

	switch {
	case r.Expected == "":
		r.Status = StatusUnpinned
	case strings.EqualFold(r.Expected, actual):
		r.Status = StatusVerified
	default:
		r.Status = StatusMismatch
		return r, fmt.Errorf("%w: expected %s, got %s", ErrMismatch, r.Expected, actual)
	}
	return r, nil
}

func loadChecksumFile() string {
	for _, p := range ChecksumPaths {
		data, err := os.ReadFile(os.ExpandEnv(p))
		if err != nil {
			continue
		}
		// Accept sha256sum output ("<hash>  <file>") as well as a bare hash.
		fields := strings.Fields(string(data))
		if len(fields) > 0 && len(fields[0]) == 64 && isHex(fields[0]) {
			return fields[0]
		}
	}
	return ""
}

func isHex(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
