// Package mpi is the master patient index: it creates, finds, merges and
// splits patient identities while keeping their encounters attached to the
// right record. Every mutation commits together with its audit entry.
package mpi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/mpi/internal/domain/encounter"
	"github.com/ehr/mpi/internal/domain/identity"
	"github.com/ehr/mpi/internal/platform/apperr"
	"github.com/ehr/mpi/internal/platform/audit"
	"github.com/ehr/mpi/internal/platform/db"
	"github.com/ehr/mpi/internal/platform/metrics"
)

const (
	DefaultIdentifierType = "OpenMRS ID"
	DefaultSearchLimit    = 100
)

// Config is the engine configuration. It is injected, never read from
// package state.
type Config struct {
	IdentifierType    string
	DefaultLocationID int64
	SearchLimit       int
}

func DefaultConfig() Config {
	return Config{
		IdentifierType:    DefaultIdentifierType,
		DefaultLocationID: 1,
		SearchLimit:       DefaultSearchLimit,
	}
}

// IdentifierAllocator produces a new identifier value. It must not fail.
type IdentifierAllocator interface {
	Generate(ctx context.Context, typeHint string) string
}

// EncounterStore is the part of the encounter store merge and split need.
type EncounterStore interface {
	ListByPatient(ctx context.Context, patientID int64) ([]*encounter.Encounter, error)
	LockForUpdate(ctx context.Context, ids ...int64) error
	Reassign(ctx context.Context, encounterID, toPatientID int64) error
}

type Service struct {
	patients   identity.Repository
	encounters EncounterStore
	ids        IdentifierAllocator
	tx         db.TxRunner
	sink       audit.Sink
	cfg        Config
	logger     zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func NewService(patients identity.Repository, encounters EncounterStore, ids IdentifierAllocator,
	tx db.TxRunner, sink audit.Sink, cfg Config, opts ...Option) *Service {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.IdentifierType) == "" {
		cfg.IdentifierType = def.IdentifierType
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = def.SearchLimit
	}
	s := &Service{
		patients:   patients,
		encounters: encounters,
		ids:        ids,
		tx:         tx,
		sink:       sink,
		cfg:        cfg,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// CreatePatient persists a new identity. A candidate without identifiers gets
// exactly one allocated, preferred identifier at the default location.
func (s *Service) CreatePatient(ctx context.Context, candidate *identity.Patient, actor int64) (*identity.Patient, error) {
	if err := validateCandidate(candidate); err != nil {
		return nil, err
	}

	p := candidate.Clone()
	p.ID = 0
	p.UUID = uuid.New()
	p.Voided, p.VoidReason, p.VoidedAt, p.VoidedBy = false, nil, nil, nil
	markPreferredName(p.Names)

	err := s.tx.InTx(ctx, db.RepeatableRead, func(ctx context.Context) error {
		if len(p.Identifiers) == 0 {
			ident, err := s.allocateIdentifier(ctx)
			if err != nil {
				return err
			}
			p.Identifiers = []identity.PatientIdentifier{ident}
		} else {
			seen := make(map[string]bool)
			for _, ident := range p.Identifiers {
				if seen[ident.Type] {
					continue
				}
				seen[ident.Type] = true
				if _, err := s.patients.GetIdentifierType(ctx, ident.Type); err != nil {
					return err
				}
			}
			markPreferredIdentifier(p.Identifiers)
		}

		if err := s.patients.Create(ctx, p); err != nil {
			return err
		}
		return s.sink.Append(ctx, audit.Event{
			ID:         uuid.New(),
			Type:       audit.TypePatientCreate,
			SubjectIDs: []int64{p.ID},
			Actor:      actor,
			Detail: map[string]any{
				"uuid":       p.UUID.String(),
				"identifier": p.PreferredIdentifier().Value,
			},
			Timestamp: p.CreatedAt,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordPatientCreated()
	s.logger.Info().
		Int64("patient_id", p.ID).
		Str("patient_uuid", p.UUID.String()).
		Msg("patient created")
	return p, nil
}

func validateCandidate(p *identity.Patient) error {
	if p == nil {
		return apperr.Validation("patient is required")
	}
	if len(p.Names) == 0 {
		return apperr.Validation("at least one name is required")
	}
	for i, n := range p.Names {
		if n.Blank() {
			return apperr.Validation("name %d needs a given or family name", i)
		}
	}
	seen := make(map[identity.IdentifierKey]bool, len(p.Identifiers))
	for _, ident := range p.Identifiers {
		if strings.TrimSpace(ident.Type) == "" || strings.TrimSpace(ident.Value) == "" {
			return apperr.Validation("identifier type and value are required")
		}
		if seen[ident.Key()] {
			return apperr.Validation("duplicate identifier %s %q", ident.Type, ident.Value)
		}
		seen[ident.Key()] = true
	}
	return nil
}

func markPreferredName(names []identity.PersonName) {
	for _, n := range names {
		if n.Preferred {
			return
		}
	}
	if len(names) > 0 {
		names[0].Preferred = true
	}
}

func markPreferredIdentifier(ids []identity.PatientIdentifier) {
	for _, i := range ids {
		if i.Preferred {
			return
		}
	}
	if len(ids) > 0 {
		ids[0].Preferred = true
	}
}

// allocateIdentifier resolves the configured identifier type and draws a
// value for it.
func (s *Service) allocateIdentifier(ctx context.Context) (identity.PatientIdentifier, error) {
	idType, err := s.patients.GetIdentifierType(ctx, s.cfg.IdentifierType)
	if err != nil {
		return identity.PatientIdentifier{}, err
	}
	ident := identity.PatientIdentifier{
		Type:      idType.Name,
		Value:     s.ids.Generate(ctx, idType.Name),
		Preferred: true,
	}
	if s.cfg.DefaultLocationID != 0 {
		loc := s.cfg.DefaultLocationID
		ident.LocationID = &loc
	}
	return ident, nil
}

// GetPatientByUUID returns the identity, voided or not. A blank or malformed
// uuid is reported as not found.
func (s *Service) GetPatientByUUID(ctx context.Context, id string) (*identity.Patient, error) {
	id = strings.TrimSpace(id)
	uid, err := uuid.Parse(id)
	if id == "" || err != nil {
		return nil, apperr.NotFound("patient", id)
	}
	return s.patients.GetByUUID(ctx, uid)
}

// SearchPatients never matches everything: a blank query returns no results.
func (s *Service) SearchPatients(ctx context.Context, query string) ([]*identity.Patient, error) {
	if strings.TrimSpace(query) == "" {
		return []*identity.Patient{}, nil
	}
	items, err := s.patients.Search(ctx, query, s.cfg.SearchLimit)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*identity.Patient{}
	}
	return items, nil
}

// MergePatients folds source into target: identifiers not already on target
// and all encounters move over, then source is voided. Either everything
// commits or nothing does.
func (s *Service) MergePatients(ctx context.Context, sourceID, targetID int64, reason string, actor int64) (*identity.Patient, error) {
	if sourceID == targetID {
		return nil, apperr.Validation("cannot merge patient %d into itself", sourceID)
	}

	var (
		result       *identity.Patient
		movedIDs     int
		movedEncs    int
		sourceUUID   uuid.UUID
		targetUUID   uuid.UUID
		mergedReason = reasonOrNone(reason)
	)
	// READ COMMITTED: every statement after the row locks sees encounters
	// committed by transactions that held the patient before us.
	err := s.tx.InTx(ctx, db.ReadCommitted, func(ctx context.Context) error {
		if err := s.patients.LockForUpdate(ctx, ascending(sourceID, targetID)...); err != nil {
			return unresolvable(err)
		}
		source, err := s.patients.GetByID(ctx, sourceID)
		if err != nil {
			return unresolvable(err)
		}
		target, err := s.patients.GetByID(ctx, targetID)
		if err != nil {
			return unresolvable(err)
		}
		if source.Voided {
			return apperr.Validation("source patient %d is already voided", source.ID)
		}
		if target.Voided {
			return apperr.Validation("target patient %d is voided", target.ID)
		}
		sourceUUID, targetUUID = source.UUID, target.UUID

		// Duplicate (type, value) pairs stay behind on the voided source.
		for _, ident := range source.Identifiers {
			if target.HasIdentifier(ident.Key()) {
				continue
			}
			if err := s.patients.MoveIdentifier(ctx, ident.ID, target.ID); err != nil {
				return err
			}
			ident.PatientID, ident.Preferred = target.ID, false
			target.Identifiers = append(target.Identifiers, ident)
			movedIDs++
		}

		encs, err := s.encounters.ListByPatient(ctx, source.ID)
		if err != nil {
			return err
		}
		if err := s.encounters.LockForUpdate(ctx, encounterIDs(encs)...); err != nil {
			return err
		}
		for _, e := range encs {
			if err := s.encounters.Reassign(ctx, e.ID, target.ID); err != nil {
				return err
			}
		}
		movedEncs = len(encs)

		if target.UpdatedAt, err = s.patients.Touch(ctx, target.ID); err != nil {
			return err
		}
		voidReason := fmt.Sprintf("Merged into %s. Reason: %s", target.UUID, mergedReason)
		if err := s.patients.Void(ctx, source.ID, voidReason, actor); err != nil {
			return err
		}
		if err := s.patients.AddLink(ctx, &identity.PatientLink{
			PatientID:       source.ID,
			LinkedPatientID: target.ID,
			LinkType:        identity.LinkReplacedBy,
			Reason:          &mergedReason,
			CreatedBy:       actor,
		}); err != nil {
			return err
		}

		if err := s.sink.Append(ctx, audit.Event{
			ID:         uuid.New(),
			Type:       audit.TypePatientMerge,
			SubjectIDs: []int64{source.ID, target.ID},
			Actor:      actor,
			Reason:     mergedReason,
			Detail: map[string]any{
				"source_uuid":       source.UUID.String(),
				"target_uuid":       target.UUID.String(),
				"identifiers_moved": movedIDs,
				"encounters_moved":  movedEncs,
			},
			Timestamp: target.UpdatedAt,
		}); err != nil {
			return err
		}

		result, err = s.patients.GetByID(ctx, target.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordMerge(movedEncs)
	s.logger.Info().
		Int64("source_id", sourceID).
		Int64("target_id", targetID).
		Str("source_uuid", sourceUUID.String()).
		Str("target_uuid", targetUUID.String()).
		Int("identifiers_moved", movedIDs).
		Int("encounters_moved", movedEncs).
		Int64("actor", actor).
		Msg("patients merged")
	return result, nil
}

// SplitPatient creates a new identity with the original's demographics and a
// fresh identifier, then moves over those of encounterIDs the original
// currently owns. Ids it does not own are skipped.
func (s *Service) SplitPatient(ctx context.Context, mergedID int64, encounterIDs []int64, reason string, actor int64) (*identity.Patient, error) {
	var (
		result  *identity.Patient
		moved   []int64
		skipped []int64
		why     = reasonOrNone(reason)
	)
	err := s.tx.InTx(ctx, db.ReadCommitted, func(ctx context.Context) error {
		if err := s.patients.LockForUpdate(ctx, mergedID); err != nil {
			return err
		}
		orig, err := s.patients.GetByID(ctx, mergedID)
		if err != nil {
			return err
		}

		ident, err := s.allocateIdentifier(ctx)
		if err != nil {
			return err
		}
		np := copyDemographics(orig)
		np.UUID = uuid.New()
		np.Identifiers = []identity.PatientIdentifier{ident}
		if err := s.patients.Create(ctx, np); err != nil {
			return err
		}

		owned, err := s.encounters.ListByPatient(ctx, orig.ID)
		if err != nil {
			return err
		}
		moved, skipped = partitionOwned(encounterIDs, owned)
		if err := s.encounters.LockForUpdate(ctx, moved...); err != nil {
			return err
		}
		for _, id := range moved {
			if err := s.encounters.Reassign(ctx, id, np.ID); err != nil {
				return err
			}
		}

		if err := s.patients.AddLink(ctx, &identity.PatientLink{
			PatientID:       np.ID,
			LinkedPatientID: orig.ID,
			LinkType:        identity.LinkSplitFrom,
			Reason:          &why,
			CreatedBy:       actor,
		}); err != nil {
			return err
		}

		if err := s.sink.Append(ctx, audit.Event{
			ID:         uuid.New(),
			Type:       audit.TypePatientSplit,
			SubjectIDs: []int64{orig.ID, np.ID},
			Actor:      actor,
			Reason:     why,
			Detail: map[string]any{
				"original_uuid":    orig.UUID.String(),
				"new_uuid":         np.UUID.String(),
				"encounters_moved": moved,
				"skipped":          skipped,
			},
			Timestamp: np.CreatedAt,
		}); err != nil {
			return err
		}

		result, err = s.patients.GetByID(ctx, np.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordSplit(len(moved))
	s.logger.Info().
		Int64("original_id", mergedID).
		Int64("new_id", result.ID).
		Int("encounters_moved", len(moved)).
		Int("encounters_skipped", len(skipped)).
		Int64("actor", actor).
		Msg("patient split")
	return result, nil
}

// ResolveSurvivor follows replaced-by links from the given identity to the
// record that absorbed it. A non-voided identity is its own survivor.
func (s *Service) ResolveSurvivor(ctx context.Context, id string) (*identity.Patient, error) {
	p, err := s.GetPatientByUUID(ctx, id)
	if err != nil {
		return nil, err
	}
	seen := map[int64]bool{p.ID: true}
	for p.Voided {
		links, err := s.patients.GetLinks(ctx, p.ID, identity.LinkReplacedBy)
		if err != nil {
			return nil, err
		}
		if len(links) == 0 {
			return p, nil
		}
		next := links[len(links)-1].LinkedPatientID
		if seen[next] {
			return nil, apperr.Conflict("merge chain for patient %s loops at %d", p.UUID, next)
		}
		seen[next] = true
		if p, err = s.patients.GetByID(ctx, next); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func copyDemographics(orig *identity.Patient) *identity.Patient {
	src := orig.Clone()
	np := &identity.Patient{
		Gender:    src.Gender,
		BirthDate: src.BirthDate,
	}
	for _, n := range src.Names {
		n.ID = 0
		np.Names = append(np.Names, n)
	}
	for _, a := range src.Addresses {
		a.ID = 0
		np.Addresses = append(np.Addresses, a)
	}
	markPreferredName(np.Names)
	return np
}

// partitionOwned splits requested into ids owned (deduplicated, ascending)
// and ids skipped, in request order.
func partitionOwned(requested []int64, owned []*encounter.Encounter) (moved, skipped []int64) {
	own := make(map[int64]bool, len(owned))
	for _, e := range owned {
		own[e.ID] = true
	}
	seen := make(map[int64]bool, len(requested))
	for _, id := range requested {
		if seen[id] {
			continue
		}
		seen[id] = true
		if own[id] {
			moved = append(moved, id)
		} else {
			skipped = append(skipped, id)
		}
	}
	sort.Slice(moved, func(i, j int) bool { return moved[i] < moved[j] })
	return moved, skipped
}

func encounterIDs(encs []*encounter.Encounter) []int64 {
	ids := make([]int64, 0, len(encs))
	for _, e := range encs {
		ids = append(ids, e.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func ascending(a, b int64) []int64 {
	if a > b {
		return []int64{b, a}
	}
	return []int64{a, b}
}

func reasonOrNone(reason string) string {
	if r := strings.TrimSpace(reason); r != "" {
		return r
	}
	return "none"
}

// unresolvable reports a missing merge participant as bad input.
func unresolvable(err error) error {
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Kind != apperr.KindNotFound {
		return err
	}
	return apperr.Validation("patient %s does not exist", ae.Details["id"])
}
