package grant

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"time"

	"golang.org/x/crypto/hkdf"
)

// seedLength is the watermark seed size in hex characters. Long enough to
// identify a leaked recording, short enough to render unobtrusively.
const seedLength = 16

// DeriveSeed deterministically derives the forensic watermark seed for one
// issuance. The same (learner, lesson, issuance instant) always yields the
// same seed, so a re-issued grant keeps its overlay schedule, while the
// secret keeps seeds unforgeable by clients.
func DeriveSeed(secret []byte, learnerID, lessonID string, issuedAt time.Time) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("derive seed: empty watermark secret")
	}

	info := []byte(learnerID + "|" + lessonID + "|" + strconv.FormatInt(issuedAt.Unix(), 10))
	r := hkdf.New(sha256.New, secret, nil, info)

	raw := make([]byte, seedLength/2)
	if _, err := io.ReadFull(r, raw); err != nil {
		return "", fmt.Errorf("derive seed: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
