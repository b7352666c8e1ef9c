package encounter

import "context"

// Repository is the Encounter Store. Status records are only ever appended.
type Repository interface {
	Create(ctx context.Context, enc *Encounter) error
	GetByID(ctx context.Context, id int64) (*Encounter, error)
	ListByPatient(ctx context.Context, patientID int64) ([]*Encounter, error)
	Reassign(ctx context.Context, encounterID, toPatientID int64) error

	// LockForUpdate row-locks the given encounters in ascending id order.
	LockForUpdate(ctx context.Context, ids ...int64) error

	// Status trail
	AppendStatus(ctx context.Context, rec *StatusRecord) error
	// LatestStatus returns nil, nil when the encounter has no status record.
	LatestStatus(ctx context.Context, encounterID int64) (*StatusRecord, error)
	ListByLatestStatus(ctx context.Context, status Status) ([]*Encounter, error)
	StatusHistory(ctx context.Context, encounterID int64) ([]*StatusRecord, error)

	// Reference data
	GetTypeByName(ctx context.Context, name string) (*EncounterType, error)
	GetRoleByName(ctx context.Context, name string) (*EncounterRole, error)
	LocationExists(ctx context.Context, id int64) (bool, error)
	ProviderExists(ctx context.Context, id int64) (bool, error)
}
