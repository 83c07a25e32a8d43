package grant

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	apierrors "lessonvault/internal/errors"
)

// ManifestSigner produces presigned manifest locators. The signature covers
// the manifest key and the expiry instant, so a locator cannot be replayed
// past its window or rewritten to point at another lesson's manifest.
type ManifestSigner struct {
	secret  []byte
	baseURL string
}

// NewManifestSigner returns a signer rooted at baseURL, e.g.
// "https://media.example.com".
func NewManifestSigner(secret []byte, baseURL string) (*ManifestSigner, error) {
	if len(secret) < 32 {
		return nil, errors.New("manifest signing secret must be at least 32 bytes")
	}
	if baseURL == "" {
		return nil, errors.New("manifest base URL is required")
	}
	return &ManifestSigner{secret: secret, baseURL: baseURL}, nil
}

// SignURL builds the presigned locator for one manifest key.
func (s *ManifestSigner) SignURL(manifestKey string, expiresAt time.Time) (string, error) {
	if manifestKey == "" {
		return "", errors.New("sign manifest: empty key")
	}

	exp := strconv.FormatInt(expiresAt.Unix(), 10)
	q := url.Values{}
	q.Set("key", manifestKey)
	q.Set("exp", exp)
	q.Set("sig", s.signature(manifestKey, exp))

	return fmt.Sprintf("%s/api/media/manifest?%s", s.baseURL, q.Encode()), nil
}

// VerifyQuery checks a locator's query parameters. Bad or missing signatures
// map to ErrInvalidGrantToken; valid signatures past expiry map to
// ErrGrantExpired.
func (s *ManifestSigner) VerifyQuery(q url.Values, now time.Time) (string, error) {
	manifestKey := q.Get("key")
	exp := q.Get("exp")
	sig := q.Get("sig")
	if manifestKey == "" || exp == "" || sig == "" {
		return "", fmt.Errorf("%w: incomplete manifest locator", apierrors.ErrInvalidGrantToken)
	}

	want := s.signature(manifestKey, exp)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return "", fmt.Errorf("%w: manifest signature mismatch", apierrors.ErrInvalidGrantToken)
	}

	expUnix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: malformed expiry", apierrors.ErrInvalidGrantToken)
	}
	if !now.Before(time.Unix(expUnix, 0)) {
		return "", fmt.Errorf("%w: manifest locator expired", apierrors.ErrGrantExpired)
	}
	return manifestKey, nil
}

func (s *ManifestSigner) signature(manifestKey, exp string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(manifestKey))
	mac.Write([]byte{0})
	mac.Write([]byte(exp))
	return hex.EncodeToString(mac.Sum(nil))
}
