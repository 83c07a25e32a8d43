package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/render"
)

// Playback-domain sentinel errors. Services return these; the transport
// layer maps them onto ProblemDetails responses.
var (
	ErrNotEntitled         = errors.New("not entitled to this lesson")
	ErrLessonNotFound      = errors.New("lesson not found")
	ErrAssetNotReady       = errors.New("video asset is not ready for playback")
	ErrDeviceLimitExceeded = errors.New("device limit exceeded")
	ErrGrantExpired        = errors.New("playback grant expired")
	ErrGrantRevoked        = errors.New("playback grant revoked")
	ErrInvalidGrantToken   = errors.New("invalid grant token")
	ErrFingerprintRequired = errors.New("device fingerprint required")
	ErrSessionNotFound     = errors.New("device session not found")
)

// DeviceLimitDetails carries context for device-ceiling rejections so the
// client can render a useful "manage devices" prompt.
type DeviceLimitDetails struct {
	DeviceLimit    int        `json:"device_limit"`
	ActiveDevices  int        `json:"active_devices"`
	OldestIssuedAt *time.Time `json:"oldest_issued_at,omitempty"`
}

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// Additional fields for extensibility
	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON custom marshaler to include extensions
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{})

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status

	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	for k, v := range pd.Extensions {
		data[k] = v
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// NewNotEntitledError creates the 403 response for unenrolled learners or
// lessons without a ready video asset.
func NewNotEntitledError(detail, instance, traceID string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusForbidden,
		TypeNotEntitled,
		"Not Entitled",
		detail,
		instance,
	).WithExtension("trace_id", traceID)
}

// NewDeviceLimitError creates the 409 response for device-ceiling
// rejections. Per policy the server never silently evicts another device;
// the learner must sign one out explicitly.
func NewDeviceLimitError(details *DeviceLimitDetails, instance, traceID string) *ProblemDetails {
	problem := NewProblemDetails(
		http.StatusConflict,
		TypeDeviceLimit,
		"Device Limit Exceeded",
		fmt.Sprintf("You already have %d devices with active playback sessions. Sign out another device or wait for its session to expire.", details.DeviceLimit),
		instance,
	)

	problem.WithExtension("trace_id", traceID).
		WithExtension("device_limit", details.DeviceLimit).
		WithExtension("active_devices", details.ActiveDevices)

	if details.OldestIssuedAt != nil {
		problem.WithExtension("oldest_session_issued_at", details.OldestIssuedAt.Format(time.RFC3339))
	}

	return problem
}

// NewGrantGoneError creates the 410 response for manifest requests whose
// grant has expired or been revoked server-side.
func NewGrantGoneError(detail, instance, traceID string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusGone,
		TypeGrantGone,
		"Grant No Longer Valid",
		detail,
		instance,
	).WithExtension("trace_id", traceID)
}
