// Package recording holds the core types shared across pipeline stages.
package recording

import (
	"path/filepath"
	"time"
)

// Direction is the call direction as reported by the telephony provider.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionUnknown  Direction = "unknown"
)

// ParseDirection normalizes a provider direction string.
func ParseDirection(s string) Direction {
	switch s {
	case "Inbound", "inbound":
		return DirectionInbound
	case "Outbound", "outbound":
		return DirectionOutbound
	default:
		return DirectionUnknown
	}
}

// Recording is one telephony call recording as enumerated from the
// provider's call log.
type Recording struct {
	RecordingID     string
	CallID          string
	SessionID       string
	StartTime       time.Time
	DurationSeconds int
	FromNumber      string
	FromName        string
	ToNumber        string
	ToName          string
	Direction       Direction
	ContentURI      string // opaque provider handle for the audio bytes
}

// StagePath is the local staging path for this recording's audio.
func (r Recording) StagePath(stageDir string) string {
	return filepath.Join(stageDir, r.RecordingID+".mp3")
}
