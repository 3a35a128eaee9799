package core

import (
	"context"
	"fmt"
)

// ConnState is the diagnostic connection state reported by a sink.
type ConnState int

const (
	ConnIdle ConnState = iota
	ConnConnecting
	ConnConnected
	ConnDisconnected
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Packet is one write handed to a sink.
type Packet struct {
	Data            []byte
	TimestampMillis int64
	// Header is set for the one-time codec configuration record of a track.
	Header   bool
	KeyFrame bool
}

// Sink is the boundary to a streaming protocol writer. Writes from the video
// and audio drain loops may arrive concurrently; implementations serialize
// internally. Packet data is only valid for the duration of the call.
type Sink interface {
	// Open connects to endpoint. Calling it again for the same session is a no-op.
	Open(ctx context.Context, endpoint string, width, height int) error
	WriteVideo(pkt Packet) error
	WriteAudio(pkt Packet) error
	// ConnectionState is safe to call at any time, including after Close.
	ConnectionState() ConnState
	// Close is idempotent.
	Close() error
}
