package mpi

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/mpi/internal/domain/encounter"
	"github.com/ehr/mpi/internal/domain/identity"
	"github.com/ehr/mpi/internal/platform/apperr"
	"github.com/ehr/mpi/internal/platform/db"
)

// -- Mock Patient Repository --

type mockPatientRepo struct {
	mu          sync.Mutex
	patients    map[int64]*identity.Patient
	links       []*identity.PatientLink
	idTypes     map[string]*identity.IdentifierType
	nextID      int64
	nextIdentID int64
	nextLinkID  int64
	touched     []int64
}

func newMockPatientRepo() *mockPatientRepo {
	return &mockPatientRepo{
		patients: make(map[int64]*identity.Patient),
		idTypes: map[string]*identity.IdentifierType{
			DefaultIdentifierType: {ID: 1, Name: DefaultIdentifierType},
			"Old Identification":  {ID: 2, Name: "Old Identification"},
		},
	}
}

func notFound(id int64) error {
	return apperr.NotFound("patient", strconv.FormatInt(id, 10))
}

func uniqueViolation() error {
	return db.TranslateError(&pgconn.PgError{Code: "23505", ConstraintName: "uq_patient_identifier"})
}

func locationViolation() error {
	return db.TranslateError(&pgconn.PgError{Code: "23503", ConstraintName: "patient_identifier_location_id_fkey"})
}

func (m *mockPatientRepo) Create(_ context.Context, p *identity.Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p.ID = m.nextID
	if p.UUID == uuid.Nil {
		p.UUID = uuid.New()
	}
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	seen := make(map[identity.IdentifierKey]bool)
	for i := range p.Identifiers {
		if seen[p.Identifiers[i].Key()] {
			return uniqueViolation()
		}
		if loc := p.Identifiers[i].LocationID; loc != nil && *loc != 1 {
			return locationViolation()
		}
		seen[p.Identifiers[i].Key()] = true
		m.nextIdentID++
		p.Identifiers[i].ID = m.nextIdentID
		p.Identifiers[i].PatientID = p.ID
	}
	m.patients[p.ID] = p.Clone()
	return nil
}

func (m *mockPatientRepo) GetByID(_ context.Context, id int64) (*identity.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, notFound(id)
	}
	return p.Clone(), nil
}

func (m *mockPatientRepo) GetByUUID(_ context.Context, id uuid.UUID) (*identity.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.patients {
		if p.UUID == id {
			return p.Clone(), nil
		}
	}
	return nil, apperr.NotFound("patient", id.String())
}

func (m *mockPatientRepo) sortedIDs() []int64 {
	ids := make([]int64, 0, len(m.patients))
	for id := range m.patients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *mockPatientRepo) Search(_ context.Context, query string, limit int) ([]*identity.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := strings.ToLower(strings.TrimSpace(query))
	var out []*identity.Patient
	for _, id := range m.sortedIDs() {
		p := m.patients[id]
		if p.Voided || !matches(p, q) {
			continue
		}
		out = append(out, p.Clone())
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockPatientRepo) Touch(_ context.Context, id int64) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.patients[id]
	if !ok {
		return time.Time{}, notFound(id)
	}
	stored.UpdatedAt = time.Now()
	m.touched = append(m.touched, id)
	return stored.UpdatedAt, nil
}

func (m *mockPatientRepo) Void(_ context.Context, id int64, reason string, actor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return notFound(id)
	}
	now := time.Now()
	p.Voided, p.VoidReason, p.VoidedAt, p.VoidedBy = true, &reason, &now, &actor
	return nil
}

func (m *mockPatientRepo) LockForUpdate(_ context.Context, ids ...int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if _, ok := m.patients[id]; !ok {
			return notFound(id)
		}
	}
	return nil
}

func (m *mockPatientRepo) LockForShare(ctx context.Context, id int64) error {
	return m.LockForUpdate(ctx, id)
}

func (m *mockPatientRepo) AddIdentifier(_ context.Context, ident *identity.PatientIdentifier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[ident.PatientID]
	if !ok {
		return notFound(ident.PatientID)
	}
	if p.HasIdentifier(ident.Key()) {
		return uniqueViolation()
	}
	m.nextIdentID++
	ident.ID = m.nextIdentID
	p.Identifiers = append(p.Identifiers, *ident)
	return nil
}

func (m *mockPatientRepo) MoveIdentifier(_ context.Context, identifierID, toPatientID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	to, ok := m.patients[toPatientID]
	if !ok {
		return notFound(toPatientID)
	}
	for _, p := range m.patients {
		for i, ident := range p.Identifiers {
			if ident.ID != identifierID {
				continue
			}
			if to.HasIdentifier(ident.Key()) {
				return uniqueViolation()
			}
			p.Identifiers = append(p.Identifiers[:i:i], p.Identifiers[i+1:]...)
			ident.PatientID, ident.Preferred = toPatientID, false
			to.Identifiers = append(to.Identifiers, ident)
			return nil
		}
	}
	return apperr.NotFound("patient identifier", strconv.FormatInt(identifierID, 10))
}

func (m *mockPatientRepo) GetIdentifierType(_ context.Context, name string) (*identity.IdentifierType, error) {
	t, ok := m.idTypes[name]
	if !ok {
		return nil, apperr.NotFound("patient identifier type", name)
	}
	return t, nil
}

func (m *mockPatientRepo) AddLink(_ context.Context, link *identity.PatientLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLinkID++
	link.ID = m.nextLinkID
	link.CreatedAt = time.Now()
	c := *link
	m.links = append(m.links, &c)
	return nil
}

func (m *mockPatientRepo) GetLinks(_ context.Context, patientID int64, linkType string) ([]*identity.PatientLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*identity.PatientLink
	for _, l := range m.links {
		if l.PatientID == patientID && (linkType == "" || l.LinkType == linkType) {
			c := *l
			out = append(out, &c)
		}
	}
	return out, nil
}

// matches mirrors the store's search: q is a lower-cased substring of a name
// part, full name or identifier value.
func matches(p *identity.Patient, q string) bool {
	for _, n := range p.Names {
		for _, s := range []string{n.Given, n.Family, n.FullName()} {
			if s != "" && strings.Contains(strings.ToLower(s), q) {
				return true
			}
		}
	}
	for _, id := range p.Identifiers {
		if strings.Contains(strings.ToLower(id.Value), q) {
			return true
		}
	}
	return false
}

type patientSnapshot struct {
	patients map[int64]*identity.Patient
	links    []*identity.PatientLink
}

func (m *mockPatientRepo) snapshot() patientSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := patientSnapshot{patients: make(map[int64]*identity.Patient, len(m.patients))}
	for id, p := range m.patients {
		s.patients[id] = p.Clone()
	}
	s.links = append(s.links, m.links...)
	return s
}

func (m *mockPatientRepo) restore(s patientSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients, m.links = s.patients, s.links
}

// put stores p as-is, bypassing Create.
func (m *mockPatientRepo) put(p *identity.Patient) *identity.Patient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p.ID = m.nextID
	if p.UUID == uuid.Nil {
		p.UUID = uuid.New()
	}
	for i := range p.Identifiers {
		m.nextIdentID++
		p.Identifiers[i].ID = m.nextIdentID
		p.Identifiers[i].PatientID = p.ID
	}
	m.patients[p.ID] = p.Clone()
	return p
}

// -- Mock Encounter Store --

type mockEncounterStore struct {
	mu          sync.Mutex
	owners      map[int64]int64
	reassignErr error
}

func newMockEncounterStore() *mockEncounterStore {
	return &mockEncounterStore{owners: make(map[int64]int64)}
}

func (m *mockEncounterStore) ListByPatient(_ context.Context, patientID int64) ([]*encounter.Encounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*encounter.Encounter
	for id, owner := range m.owners {
		if owner == patientID {
			out = append(out, &encounter.Encounter{ID: id, PatientID: owner})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockEncounterStore) LockForUpdate(_ context.Context, ids ...int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if _, ok := m.owners[id]; !ok {
			return apperr.NotFound("encounter", strconv.FormatInt(id, 10))
		}
	}
	return nil
}

func (m *mockEncounterStore) Reassign(_ context.Context, encounterID, toPatientID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reassignErr != nil {
		return m.reassignErr
	}
	if _, ok := m.owners[encounterID]; !ok {
		return apperr.NotFound("encounter", strconv.FormatInt(encounterID, 10))
	}
	m.owners[encounterID] = toPatientID
	return nil
}

func (m *mockEncounterStore) ownedBy(patientID int64) []int64 {
	encs, _ := m.ListByPatient(context.Background(), patientID)
	ids := make([]int64, 0, len(encs))
	for _, e := range encs {
		ids = append(ids, e.ID)
	}
	return ids
}

func (m *mockEncounterStore) snapshot() map[int64]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := make(map[int64]int64, len(m.owners))
	for k, v := range m.owners {
		s[k] = v
	}
	return s
}

func (m *mockEncounterStore) restore(s map[int64]int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners = s
}

// -- Mock transaction runner --

// mockTx rolls both stores back when fn fails. A shared lock serializes
// transactions the way the patient row locks do in Postgres.
type mockTx struct {
	mu         sync.Mutex
	patients   *mockPatientRepo
	encounters *mockEncounterStore
	isos       []db.Isolation
}

func (m *mockTx) InTx(ctx context.Context, iso db.Isolation, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isos = append(m.isos, iso)
	ps, es := m.patients.snapshot(), m.encounters.snapshot()
	if err := fn(ctx); err != nil {
		m.patients.restore(ps)
		m.encounters.restore(es)
		return err
	}
	return nil
}
