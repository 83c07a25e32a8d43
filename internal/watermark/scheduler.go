// Package watermark computes the forensic overlay schedule for a playback
// session. The schedule is a pure function of the grant's watermark seed and
// the elapsed playback time, so the client renders it without further server
// round-trips and an investigator can reproduce the exact overlay state of
// any instant from a leaked recording.
package watermark

import (
	"hash/fnv"
	"strconv"
	"time"
)

const (
	// positionPeriod is how long the overlay stays in one corner.
	positionPeriod = 15 * time.Second
	// opacityPeriod is how often the overlay opacity is re-drawn.
	opacityPeriod = 5 * time.Second

	minOpacity = 0.2
	maxOpacity = 0.4
)

// positions cycles through the four frame corners, in percent of the frame.
var positions = [4]Position{
	{X: 10, Y: 10},
	{X: 80, Y: 10},
	{X: 10, Y: 80},
	{X: 80, Y: 80},
}

// Position is an overlay anchor in percent of the frame dimensions.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Overlay is the rendered watermark state for one instant of playback.
type Overlay struct {
	Text     string   `json:"text"`
	Label    string   `json:"label,omitempty"`
	Position Position `json:"position"`
	Opacity  float64  `json:"opacity"`
}

// Scheduler computes overlay states for one session's seed. The optional
// label (typically the learner identifier) renders above the seed.
type Scheduler struct {
	seed  string
	label string
}

// NewScheduler returns a scheduler for the given seed.
func NewScheduler(seed, label string) *Scheduler {
	return &Scheduler{seed: seed, label: label}
}

// OverlayAt returns the overlay state at the given elapsed playback time.
// Negative elapsed values are treated as zero.
func (s *Scheduler) OverlayAt(elapsed time.Duration) Overlay {
	if elapsed < 0 {
		elapsed = 0
	}
	return Overlay{
		Text:     s.seed,
		Label:    s.label,
		Position: positions[int(elapsed/positionPeriod)%len(positions)],
		Opacity:  s.opacityAt(elapsed),
	}
}

// Static returns the degraded overlay used when the client cannot run the
// schedule: fixed top-left anchor at full working opacity. Degradation never
// removes the watermark.
func (s *Scheduler) Static() Overlay {
	return Overlay{
		Text:     s.seed,
		Label:    s.label,
		Position: positions[0],
		Opacity:  maxOpacity,
	}
}

// opacityAt draws a deterministic opacity in [minOpacity, maxOpacity] for
// the 5-second window containing elapsed. Keyed on the seed so two sessions
// never share an opacity trace.
func (s *Scheduler) opacityAt(elapsed time.Duration) float64 {
	window := int64(elapsed / opacityPeriod)

	h := fnv.New64a()
	h.Write([]byte(s.seed))
	h.Write([]byte(":"))
	h.Write([]byte(strconv.FormatInt(window, 10)))

	frac := float64(h.Sum64()%10000) / 9999
	return minOpacity + frac*(maxOpacity-minOpacity)
}
