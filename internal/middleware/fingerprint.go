package middleware

import (
	"context"
	"net/http"
)

// FingerprintHeader is the canonical device fingerprint transport.
const FingerprintHeader = "X-Device-Fingerprint"

const fingerprintKey contextKey = "device_fingerprint"

// maxFingerprintLength guards against abusive header values; real
// fingerprints are 32 hex characters.
const maxFingerprintLength = 128

// DeviceFingerprint extracts the device fingerprint from the header, falling
// back to the deviceFingerprint query parameter for clients that cannot set
// custom headers. Absence is not an error here; the grant issuer decides
// whether a degraded device is admitted.
func DeviceFingerprint(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fp := r.Header.Get(FingerprintHeader)
		if fp == "" {
			fp = r.URL.Query().Get("deviceFingerprint")
		}
		if len(fp) > maxFingerprintLength {
			fp = ""
		}

		if fp != "" {
			ctx := context.WithValue(r.Context(), fingerprintKey, fp)
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

// Fingerprint returns the device fingerprint from the context, empty when
// the client sent none.
func Fingerprint(ctx context.Context) string {
	if fp, ok := ctx.Value(fingerprintKey).(string); ok {
		return fp
	}
	return ""
}
