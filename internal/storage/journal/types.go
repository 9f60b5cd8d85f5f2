package journal

import (
	"encoding/json"

	"github.com/ChuLiYu/offline-sync/pkg/types"
)

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the dead-letter record layout
// ============================================================================

// Entry represents one dead-letter record
type Entry struct {
	Seq        uint64               `json:"seq"`       // Sequence number (monotonically increasing)
	ActionID   types.ActionID       `json:"action_id"` // Dropped action
	ActionType types.ActionType     `json:"action_type"`
	Payload    json.RawMessage      `json:"payload,omitempty"`
	Retries    int                  `json:"retries"`
	Reason     types.TerminalReason `json:"reason"`
	Error      string               `json:"error,omitempty"`
	EnqueuedAt int64                `json:"enqueued_at"` // Unix millisecond timestamp
	Timestamp  int64                `json:"timestamp"`   // Unix millisecond timestamp of the drop
	Checksum   uint32               `json:"checksum"`    // CRC32 checksum
}

// EntryHandler is the function type for processing journal entries during Replay
type EntryHandler func(entry Entry) error
