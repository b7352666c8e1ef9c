// Package audit records an append-only trail of identity and encounter
// mutations. Entries are written through the caller's transaction so an
// operation and its audit row commit or roll back together; a relay later
// forwards committed entries to Kafka.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypePatientCreate   = "patient.create"
	TypePatientMerge    = "patient.merge"
	TypePatientSplit    = "patient.split"
	TypeEncounterCreate = "encounter.create"
	TypeEncounterStatus = "encounter.status"
)

// Event is one audit entry. SubjectIDs holds the store ids the entry refers
// to; for merge it is [source, target], for split [original, new].
type Event struct {
	ID         uuid.UUID      `json:"id"`
	Type       string         `json:"type"`
	SubjectIDs []int64        `json:"subject_ids"`
	Actor      int64          `json:"actor"`
	Reason     string         `json:"reason,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Validate checks the fields every entry must carry.
func (e *Event) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("audit event requires a type")
	}
	if len(e.SubjectIDs) == 0 {
		return fmt.Errorf("audit event %s requires at least one subject", e.Type)
	}
	return nil
}

// Sink appends audit entries. Implementations must honour a transaction bound
// to ctx.
type Sink interface {
	Append(ctx context.Context, event Event) error
}

// StoredEvent is an entry as persisted, with its outbox sequence number.
type StoredEvent struct {
	Seq int64
	Event
	PublishedAt *time.Time
}
