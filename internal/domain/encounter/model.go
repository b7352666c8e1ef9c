package encounter

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/mpi/internal/platform/apperr"
)

// Status is an encounter lifecycle state. The empty Status means no status
// record has been written yet.
type Status string

const (
	StatusNone       Status = ""
	StatusRegistered Status = "REGISTERED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDischarged Status = "DISCHARGED"
	StatusClosed     Status = "CLOSED"
)

var knownStatuses = map[Status]bool{
	StatusRegistered: true,
	StatusInProgress: true,
	StatusDischarged: true,
	StatusClosed:     true,
}

// Valid reports whether s is one of the four lifecycle states.
func (s Status) Valid() bool {
	return knownStatuses[s]
}

// ParseStatus accepts a status name in any case.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return StatusNone, apperr.Validation("unknown encounter status %q", s)
	}
	return st, nil
}

// TransitionTable maps a status to the statuses reachable from it.
type TransitionTable map[Status][]Status

// DefaultTransitions returns the standard encounter lifecycle:
// none -> REGISTERED -> IN_PROGRESS -> (DISCHARGED ->) CLOSED.
func DefaultTransitions() TransitionTable {
	return TransitionTable{
		StatusNone:       {StatusRegistered},
		StatusRegistered: {StatusInProgress},
		StatusInProgress: {StatusDischarged, StatusClosed},
		StatusDischarged: {StatusClosed},
		StatusClosed:     nil,
	}
}

// Allows reports whether from -> to is permitted.
func (t TransitionTable) Allows(from, to Status) bool {
	for _, s := range t[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal returns the states with no outgoing transitions, sorted.
func (t TransitionTable) Terminal() []Status {
	var out []Status
	for from, to := range t {
		if from != StatusNone && len(to) == 0 {
			out = append(out, from)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Encounter maps to the encounter table. Status is the current lifecycle
// state as computed from the status trail; it is not a stored column.
type Encounter struct {
	ID         int64                `json:"id"`
	UUID       uuid.UUID            `json:"uuid"`
	PatientID  int64                `json:"patient_id"`
	TypeID     int64                `json:"type_id"`
	TypeName   string               `json:"type_name"`
	Datetime   time.Time            `json:"encounter_datetime"`
	LocationID *int64               `json:"location_id,omitempty"`
	Providers  []ProviderAssignment `json:"providers,omitempty"`
	Status     Status               `json:"status,omitempty"`
	CreatedBy  int64                `json:"created_by"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// ProviderAssignment maps to the encounter_provider table.
type ProviderAssignment struct {
	ProviderID int64  `json:"provider_id"`
	RoleID     int64  `json:"role_id"`
	RoleName   string `json:"role_name"`
}

// StatusRecord maps to the encounter_status table. Rows are append-only.
type StatusRecord struct {
	ID          int64     `json:"id"`
	EncounterID int64     `json:"encounter_id"`
	Seq         int       `json:"seq"`
	Status      Status    `json:"status"`
	ChangedBy   int64     `json:"changed_by"`
	ChangedOn   time.Time `json:"changed_on"`
}

// EncounterType maps to the encounter_type table.
type EncounterType struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// EncounterRole maps to the encounter_role table.
type EncounterRole struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// CreateRequest carries the inputs to Service.CreateEncounter. A zero
// LocationID leaves the encounter without a location; a zero Datetime means
// now.
type CreateRequest struct {
	PatientID  int64     `json:"patient_id"`
	TypeName   string    `json:"type_name"`
	LocationID int64     `json:"location_id,omitempty"`
	ProviderID *int64    `json:"provider_id,omitempty"`
	Datetime   time.Time `json:"encounter_datetime,omitempty"`
	CreatedBy  int64     `json:"-"`
}
