package identity

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the Identity Store. There is deliberately no delete: patients
// are voided, never removed.
type Repository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id int64) (*Patient, error)
	GetByUUID(ctx context.Context, id uuid.UUID) (*Patient, error)
	Search(ctx context.Context, query string, limit int) ([]*Patient, error)
	// Touch bumps updated_at without rewriting demographics.
	Touch(ctx context.Context, id int64) (time.Time, error)
	Void(ctx context.Context, id int64, reason string, actor int64) error

	// LockForUpdate row-locks the given patients in ascending id order.
	LockForUpdate(ctx context.Context, ids ...int64) error
	// LockForShare holds off merges of the patient until the caller's
	// transaction ends. Missing patients are NotFound.
	LockForShare(ctx context.Context, id int64) error

	// Identifiers
	AddIdentifier(ctx context.Context, ident *PatientIdentifier) error
	MoveIdentifier(ctx context.Context, identifierID, toPatientID int64) error
	GetIdentifierType(ctx context.Context, name string) (*IdentifierType, error)

	// Links
	AddLink(ctx context.Context, link *PatientLink) error
	GetLinks(ctx context.Context, patientID int64, linkType string) ([]*PatientLink, error)
}
