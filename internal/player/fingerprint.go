// Package player is the client-side playback SDK: it collects the device
// fingerprint, requests a grant, runs the expiry watchdog, and exposes the
// watermark overlay schedule to the rendering layer.
package player

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrFingerprintUnavailable signals that no device signals could be
// collected. Sessions continue without a fingerprint and let the server
// decide whether to admit the device.
var ErrFingerprintUnavailable = errors.New("device fingerprint unavailable")

// fingerprintLength keeps the identifier compact while leaving collisions
// between a learner's handful of devices implausible.
const fingerprintLength = 32

// Signals are the stable device properties the fingerprint is derived from.
type Signals struct {
	UserAgent      string
	Locale         string
	ScreenWidth    int
	ScreenHeight   int
	TimezoneOffset int // minutes from UTC
}

func (s Signals) empty() bool {
	return s.UserAgent == "" && s.Locale == "" && s.ScreenWidth == 0 && s.ScreenHeight == 0
}

// Compute derives the fingerprint from device signals. Deterministic: the
// same device always produces the same fingerprint.
func Compute(s Signals) (string, error) {
	if s.empty() {
		return "", ErrFingerprintUnavailable
	}

	joined := strings.Join([]string{
		s.UserAgent,
		s.Locale,
		fmt.Sprintf("%dx%d", s.ScreenWidth, s.ScreenHeight),
		strconv.Itoa(s.TimezoneOffset),
	}, "|")

	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])[:fingerprintLength], nil
}

// FileStore persists the fingerprint so one device keeps one identity across
// restarts. Created on first use, reused afterwards even if the signals
// drift (browser updates change the user agent without changing the device).
type FileStore struct {
	path string
}

// NewFileStore returns a store writing to the given path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// LoadOrCreate returns the stored fingerprint, computing and persisting it
// on first use.
func (f *FileStore) LoadOrCreate(signals Signals) (string, error) {
	if data, err := os.ReadFile(f.path); err == nil {
		fp := strings.TrimSpace(string(data))
		if fp != "" {
			return fp, nil
		}
	}

	fp, err := Compute(signals)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return "", fmt.Errorf("fingerprint store: %w", err)
	}
	if err := os.WriteFile(f.path, []byte(fp+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("fingerprint store: %w", err)
	}
	return fp, nil
}
