package monitor

import (
	"time"

	"github.com/IvanBrykalov/tierstore/tier"
)

// Recorder receives tier-level observations. Implementations must be safe
// for concurrent use. A Noop implementation is provided and used by default.
type Recorder interface {
	RecordRead(t tier.Tier, hit bool, d time.Duration)
	RecordWrite(t tier.Tier, d time.Duration)
	RecordEviction(t tier.Tier)
	UpdateSize(t tier.Tier, n int)
}

// Noop is a drop-in Recorder that does nothing.
type Noop struct{}

func (Noop) RecordRead(tier.Tier, bool, time.Duration) {}
func (Noop) RecordWrite(tier.Tier, time.Duration)      {}
func (Noop) RecordEviction(tier.Tier)                  {}
func (Noop) UpdateSize(tier.Tier, int)                 {}

// OrNoop returns r, or Noop when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return Noop{}
	}
	return r
}

// Ensure Noop implements the Recorder interface at compile time.
var _ Recorder = Noop{}
