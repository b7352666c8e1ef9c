package encounter

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/mpi/internal/domain/identity"
	"github.com/ehr/mpi/internal/platform/apperr"
	"github.com/ehr/mpi/internal/platform/audit"
	"github.com/ehr/mpi/internal/platform/db"
	"github.com/ehr/mpi/internal/platform/metrics"
)

const DefaultAttendingRole = "Attending Provider"

// PatientReader resolves the patient an encounter is opened for.
type PatientReader interface {
	LockForShare(ctx context.Context, id int64) error
	GetByID(ctx context.Context, id int64) (*identity.Patient, error)
}

// Service is the encounter status engine. Every mutation runs in one
// transaction together with its status record and audit entry.
type Service struct {
	repo          Repository
	patients      PatientReader
	tx            db.TxRunner
	sink          audit.Sink
	transitions   TransitionTable
	attendingRole string
	logger        zerolog.Logger
	now           func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithTransitions(t TransitionTable) Option {
	return func(s *Service) {
		s.transitions = t
	}
}

func WithAttendingRole(role string) Option {
	return func(s *Service) {
		s.attendingRole = role
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock overrides the time source for status records.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(repo Repository, patients PatientReader, tx db.TxRunner, sink audit.Sink, opts ...Option) *Service {
	s := &Service{
		repo:          repo,
		patients:      patients,
		tx:            tx,
		sink:          sink,
		transitions:   DefaultTransitions(),
		attendingRole: DefaultAttendingRole,
		logger:        zerolog.Nop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// CreateEncounter opens an encounter and writes its initial REGISTERED record.
func (s *Service) CreateEncounter(ctx context.Context, req CreateRequest) (*Encounter, error) {
	typeName := strings.TrimSpace(req.TypeName)
	if typeName == "" {
		return nil, apperr.Validation("encounter type is required")
	}

	var enc *Encounter
	err := s.tx.InTx(ctx, db.ReadCommitted, func(ctx context.Context) error {
		// The shared lock is held until commit; a merge voiding this patient
		// either finishes first or waits and then sees the new encounter.
		if err := s.patients.LockForShare(ctx, req.PatientID); err != nil {
			return err
		}
		patient, err := s.patients.GetByID(ctx, req.PatientID)
		if err != nil {
			return err
		}
		if patient.Voided {
			return apperr.Validation("patient %d is voided", patient.ID)
		}

		encType, err := s.repo.GetTypeByName(ctx, typeName)
		if err != nil {
			return err
		}

		enc = &Encounter{
			UUID:      uuid.New(),
			PatientID: patient.ID,
			TypeID:    encType.ID,
			TypeName:  encType.Name,
			Datetime:  req.Datetime,
			CreatedBy: req.CreatedBy,
		}
		if enc.Datetime.IsZero() {
			enc.Datetime = s.now().UTC()
		}

		if req.LocationID != 0 {
			ok, err := s.repo.LocationExists(ctx, req.LocationID)
			if err != nil {
				return err
			}
			if !ok {
				return apperr.NotFound("location", strconv.FormatInt(req.LocationID, 10))
			}
			loc := req.LocationID
			enc.LocationID = &loc
		}

		if req.ProviderID != nil {
			ok, err := s.repo.ProviderExists(ctx, *req.ProviderID)
			if err != nil {
				return err
			}
			if !ok {
				return apperr.NotFound("provider", strconv.FormatInt(*req.ProviderID, 10))
			}
			role, err := s.repo.GetRoleByName(ctx, s.attendingRole)
			if err != nil {
				return err
			}
			enc.Providers = []ProviderAssignment{{ProviderID: *req.ProviderID, RoleID: role.ID, RoleName: role.Name}}
		}

		if err := s.repo.Create(ctx, enc); err != nil {
			return err
		}
		rec, err := s.appendStatus(ctx, enc.ID, nil, StatusRegistered, req.CreatedBy)
		if err != nil {
			return err
		}
		enc.Status = rec.Status

		return s.sink.Append(ctx, audit.Event{
			ID:         uuid.New(),
			Type:       audit.TypeEncounterCreate,
			SubjectIDs: []int64{enc.ID, enc.PatientID},
			Actor:      req.CreatedBy,
			Detail:     map[string]any{"encounter_type": enc.TypeName, "status": string(rec.Status)},
			Timestamp:  rec.ChangedOn,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordStatusChange(string(StatusNone), string(StatusRegistered))
	s.logger.Info().
		Int64("encounter_id", enc.ID).
		Int64("patient_id", enc.PatientID).
		Str("encounter_type", enc.TypeName).
		Msg("encounter created")
	return enc, nil
}

// ChangeStatus appends newStatus to the encounter's trail when the transition
// table allows it. The encounter row is locked and the current status re-read
// inside the transaction, so a transition validated against a stale status
// cannot commit.
func (s *Service) ChangeStatus(ctx context.Context, encounterID int64, newStatus Status, changedBy int64) (*Encounter, error) {
	if !newStatus.Valid() {
		return nil, apperr.Validation("unknown encounter status %q", string(newStatus))
	}

	var (
		enc  *Encounter
		from Status
	)
	err := s.tx.InTx(ctx, db.ReadCommitted, func(ctx context.Context) error {
		if err := s.repo.LockForUpdate(ctx, encounterID); err != nil {
			return err
		}
		var err error
		if enc, err = s.repo.GetByID(ctx, encounterID); err != nil {
			return err
		}
		latest, err := s.repo.LatestStatus(ctx, encounterID)
		if err != nil {
			return err
		}
		if latest != nil {
			from = latest.Status
		}
		if !s.transitions.Allows(from, newStatus) {
			return apperr.InvalidTransition(string(from), string(newStatus))
		}

		rec, err := s.appendStatus(ctx, encounterID, latest, newStatus, changedBy)
		if err != nil {
			return err
		}
		enc.Status = rec.Status

		return s.sink.Append(ctx, audit.Event{
			ID:         uuid.New(),
			Type:       audit.TypeEncounterStatus,
			SubjectIDs: []int64{encounterID, enc.PatientID},
			Actor:      changedBy,
			Detail:     map[string]any{"from": string(from), "to": string(newStatus), "seq": rec.Seq},
			Timestamp:  rec.ChangedOn,
		})
	})
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			metrics.RecordStatusConflict()
			s.logger.Warn().Err(err).Int64("encounter_id", encounterID).Msg("encounter status race lost")
		}
		return nil, err
	}

	metrics.RecordStatusChange(string(from), string(newStatus))
	s.logger.Info().
		Int64("encounter_id", encounterID).
		Str("from", string(from)).
		Str("to", string(newStatus)).
		Int64("changed_by", changedBy).
		Msg("encounter status changed")
	return enc, nil
}

// appendStatus writes the record that follows latest. ChangedOn is forced
// strictly past the previous record so ordering by time matches ordering by
// sequence even when the clock stalls or steps back.
func (s *Service) appendStatus(ctx context.Context, encounterID int64, latest *StatusRecord, status Status, changedBy int64) (*StatusRecord, error) {
	rec := &StatusRecord{
		EncounterID: encounterID,
		Seq:         1,
		Status:      status,
		ChangedBy:   changedBy,
		ChangedOn:   s.now().UTC().Truncate(time.Microsecond),
	}
	if latest != nil {
		rec.Seq = latest.Seq + 1
		if floor := latest.ChangedOn.Add(time.Microsecond); rec.ChangedOn.Before(floor) {
			rec.ChangedOn = floor.UTC()
		}
	}
	if err := s.repo.AppendStatus(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetEncounter returns the encounter with its current status.
func (s *Service) GetEncounter(ctx context.Context, encounterID int64) (*Encounter, error) {
	enc, err := s.repo.GetByID(ctx, encounterID)
	if err != nil {
		return nil, err
	}
	latest, err := s.repo.LatestStatus(ctx, encounterID)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		enc.Status = latest.Status
	}
	return enc, nil
}

// GetCurrentStatus returns StatusNone when the encounter has no record yet.
func (s *Service) GetCurrentStatus(ctx context.Context, encounterID int64) (Status, error) {
	if _, err := s.repo.GetByID(ctx, encounterID); err != nil {
		return StatusNone, err
	}
	latest, err := s.repo.LatestStatus(ctx, encounterID)
	if err != nil || latest == nil {
		return StatusNone, err
	}
	return latest.Status, nil
}

// FindByStatus returns encounters whose most recent record has status.
func (s *Service) FindByStatus(ctx context.Context, status Status) ([]*Encounter, error) {
	if !status.Valid() {
		return nil, apperr.Validation("unknown encounter status %q", string(status))
	}
	items, err := s.repo.ListByLatestStatus(ctx, status)
	if err != nil {
		return nil, err
	}
	for _, e := range items {
		e.Status = status
	}
	return items, nil
}

// GetStatusHistory returns the full trail ordered by time.
func (s *Service) GetStatusHistory(ctx context.Context, encounterID int64) ([]*StatusRecord, error) {
	if _, err := s.repo.GetByID(ctx, encounterID); err != nil {
		return nil, err
	}
	return s.repo.StatusHistory(ctx, encounterID)
}

// ListByPatient returns a patient's encounters with their current status.
func (s *Service) ListByPatient(ctx context.Context, patientID int64) ([]*Encounter, error) {
	items, err := s.repo.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	for _, e := range items {
		latest, err := s.repo.LatestStatus(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		if latest != nil {
			e.Status = latest.Status
		}
	}
	return items, nil
}
