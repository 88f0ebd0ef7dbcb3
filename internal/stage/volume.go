package stage

import (
	"context"

	"ctxpipe/internal/message"
)

// VolumeFilter defaults.
const (
	DefaultVolumeMinMessages = 100
	DefaultVolumeKeepHead    = 50
	DefaultVolumeKeepTail    = 500
	DefaultVolumeHardLimit   = 750
)

// VolumeFilter is a cheap, non-semantic pruning pass that runs before the
// expensive stages. On long histories it drops framing roles outright and,
// past the hard limit, discards the middle band entirely, keeping the
// initialization head and the recent tail.
type VolumeFilter struct {
	MinMessages int // below this the stage is a no-op
	KeepHead    int // setup context retained from the front
	KeepTail    int // recent context retained from the back
	HardLimit   int // above this the middle band is discarded
}

// NewVolumeFilter creates a VolumeFilter with default thresholds.
func NewVolumeFilter() *VolumeFilter {
	return &VolumeFilter{
		MinMessages: DefaultVolumeMinMessages,
		KeepHead:    DefaultVolumeKeepHead,
		KeepTail:    DefaultVolumeKeepTail,
		HardLimit:   DefaultVolumeHardLimit,
	}
}

// Name implements Stage.
func (f *VolumeFilter) Name() string {
	return "volume_filter"
}

// Process implements Stage.
func (f *VolumeFilter) Process(ctx context.Context, msgs []message.Message) ([]message.Message, error) {
	if len(msgs) <= f.MinMessages {
		return msgs, nil
	}

	// System and tool framing is recoverable from the head/tail retained
	// elsewhere; only the dialogue itself survives this stage.
	kept := make([]message.Message, 0, len(msgs))
	for _, m := range msgs {
		switch message.NormalizeRole(m.Role) {
		case message.RoleUser, message.RoleAssistant:
			kept = append(kept, m)
		}
	}

	if len(kept) <= f.HardLimit || len(kept) <= f.KeepHead+f.KeepTail {
		return kept, nil
	}

	head := kept[:f.KeepHead]
	tail := kept[len(kept)-f.KeepTail:]
	out := make([]message.Message, 0, len(head)+len(tail))
	out = append(out, head...)
	out = append(out, tail...)
	return out, nil
}

// Compile-time interface check
var _ Stage = (*VolumeFilter)(nil)
