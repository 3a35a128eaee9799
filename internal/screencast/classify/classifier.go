// Package classify separates one-time codec configuration records from
// ordinary media payloads on a track.
package classify

import (
	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/core"
	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/timebase"
)

// Action is what the drain loop should do with a classified unit.
type Action int

const (
	ActionDrop Action = iota
	ActionHeader
	ActionData
)

func (a Action) String() string {
	switch a {
	case ActionHeader:
		return "header"
	case ActionData:
		return "data"
	default:
		return "drop"
	}
}

// DropReason explains an ActionDrop.
type DropReason int

const (
	NotDropped DropReason = iota
	DropDuplicateHeader
	DropEmptyPayload
	DropEmptyHeader
	DropLateHeader
)

func (r DropReason) String() string {
	switch r {
	case DropDuplicateHeader:
		return "duplicate-header"
	case DropEmptyPayload:
		return "empty-payload"
	case DropEmptyHeader:
		return "empty-header"
	case DropLateHeader:
		return "late-header"
	default:
		return "none"
	}
}

// Result carries the packet to forward for ActionHeader and ActionData.
type Result struct {
	Action Action
	Reason DropReason
	Packet core.Packet
}

// Classifier holds the header-sent state of one track. It is owned by a
// single drain loop and is not safe for concurrent use.
type Classifier struct {
	headerSent  bool
	payloadSent bool
}

// New returns a classifier for a fresh track.
func New() *Classifier {
	return &Classifier{}
}

// HeaderSent reports whether the track's configuration record went out.
func (c *Classifier) HeaderSent() bool {
	return c.headerSent
}

// Classify decides how unit is forwarded. Payload timestamps come from base
// and the first payload of the session fixes its origin. Configuration
// records never set the origin; they carry the current relative time, which
// is 0 while no payload has been seen. A configuration record arriving after
// payloads of the same track is dropped so the header never follows data.
func (c *Classifier) Classify(unit core.AccessUnit, base *timebase.Base) Result {
	if unit.IsConfig() {
		if c.headerSent {
			return Result{Action: ActionDrop, Reason: DropDuplicateHeader}
		}
		if len(unit.Data) == 0 {
			return Result{Action: ActionDrop, Reason: DropEmptyHeader}
		}
		if c.payloadSent {
			// payloads already went out without it
			return Result{Action: ActionDrop, Reason: DropLateHeader}
		}
		c.headerSent = true
		return Result{
			Action: ActionHeader,
			Packet: core.Packet{
				Data:            unit.Data,
				TimestampMillis: base.PeekOffsetMillis(unit.PresentationMillis()),
				Header:          true,
			},
		}
	}

	if len(unit.Data) == 0 {
		return Result{Action: ActionDrop, Reason: DropEmptyPayload}
	}

	c.payloadSent = true
	return Result{
		Action: ActionData,
		Packet: core.Packet{
			Data:            unit.Data,
			TimestampMillis: base.DeriveOffsetMillis(unit.PresentationMillis()),
			KeyFrame:        unit.Flags.Has(core.FlagKeyFrame),
		},
	}
}
