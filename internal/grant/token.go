// Package grant mints and verifies playback grants: short-lived, device-bound
// credentials that authorize one device to stream one lesson. A grant carries
// the lesson's manifest locator, the forensic watermark seed, and a signed
// token the media edge verifies on every manifest fetch.
package grant

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apierrors "lessonvault/internal/errors"
)

// Grant is the credential returned to the player.
type Grant struct {
	ManifestURL   string    `json:"manifest_url"`
	Token         string    `json:"token"`
	ExpiresAt     time.Time `json:"expires_at"`
	WatermarkSeed string    `json:"watermark_seed"`
	CourseID      string    `json:"course_id"`
}

// Claims is the JWT payload of a grant token. The fingerprint travels as a
// hash so the token does not leak raw device signals.
type Claims struct {
	LearnerID       string `json:"lid"`
	LessonID        string `json:"lsn"`
	CourseID        string `json:"cid"`
	FingerprintHash string `json:"fph"`
	WatermarkSeed   string `json:"wms"`
	jwt.RegisteredClaims
}

// MinterConfig configures token issuance.
type MinterConfig struct {
	Secret []byte
	TTL    time.Duration
	Issuer string
	Leeway time.Duration
}

// Minter signs and verifies grant tokens with HMAC-SHA256.
type Minter struct {
	cfg MinterConfig
}

// NewMinter validates the configuration and returns a Minter.
func NewMinter(cfg MinterConfig) (*Minter, error) {
	if len(cfg.Secret) < 32 {
		return nil, errors.New("grant secret must be at least 32 bytes")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("grant TTL must be positive")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "lessonvault"
	}
	return &Minter{cfg: cfg}, nil
}

// TTL returns the configured grant lifetime.
func (m *Minter) TTL() time.Duration {
	return m.cfg.TTL
}

// Mint signs a grant token bound to the given learner, lesson and device.
func (m *Minter) Mint(learnerID, lessonID, courseID, fingerprint, seed string, issuedAt time.Time) (string, time.Time, error) {
	expiresAt := issuedAt.Add(m.cfg.TTL)
	claims := Claims{
		LearnerID:       learnerID,
		LessonID:        lessonID,
		CourseID:        courseID,
		FingerprintHash: HashFingerprint(fingerprint),
		WatermarkSeed:   seed,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.cfg.Issuer,
			Subject:   learnerID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.cfg.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign grant token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a grant token. Expired tokens map to
// ErrGrantExpired; every other failure maps to ErrInvalidGrantToken.
func (m *Minter) Verify(tokenStr string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.cfg.Issuer),
		jwt.WithIssuedAt(),
	}
	if m.cfg.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.cfg.Leeway))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return m.cfg.Secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", apierrors.ErrGrantExpired, err)
		}
		return nil, fmt.Errorf("%w: %w", apierrors.ErrInvalidGrantToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, apierrors.ErrInvalidGrantToken
	}
	if claims.LearnerID == "" || claims.LessonID == "" || claims.FingerprintHash == "" {
		return nil, fmt.Errorf("%w: missing binding claims", apierrors.ErrInvalidGrantToken)
	}
	return claims, nil
}

// HashFingerprint produces the fingerprint digest carried in grant tokens.
func HashFingerprint(fingerprint string) string {
	sum := sha256.Sum256([]byte(fingerprint))
	return hex.EncodeToString(sum[:])
}

// BoundTo reports whether the claims were minted for the given device.
func (c *Claims) BoundTo(fingerprint string) bool {
	return c.FingerprintHash == HashFingerprint(fingerprint)
}
