package encounter

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/ehr/mpi/internal/domain/identity"
	"github.com/ehr/mpi/internal/platform/apperr"
	"github.com/ehr/mpi/internal/platform/audit"
	"github.com/ehr/mpi/internal/platform/audit/mocks"
	"github.com/ehr/mpi/internal/platform/db"
)

// -- Mock Repository --

type mockRepo struct {
	mu           sync.Mutex
	encounters   map[int64]*Encounter
	statuses     []*StatusRecord
	types        map[string]*EncounterType
	roles        map[string]*EncounterRole
	locations    map[int64]bool
	providers    map[int64]bool
	nextID       int64
	nextStatusID int64

	// beforeAppend runs just before a status insert, outside the lock.
	beforeAppend func(rec *StatusRecord)
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		encounters: make(map[int64]*Encounter),
		types: map[string]*EncounterType{
			"Outpatient Visit": {ID: 1, Name: "Outpatient Visit"},
			"Inpatient":        {ID: 2, Name: "Inpatient"},
		},
		roles:     map[string]*EncounterRole{DefaultAttendingRole: {ID: 1, Name: DefaultAttendingRole}},
		locations: map[int64]bool{1: true},
		providers: map[int64]bool{7: true},
	}
}

func cloneEncounter(e *Encounter) *Encounter {
	c := *e
	c.Providers = append([]ProviderAssignment(nil), e.Providers...)
	return &c
}

type repoSnapshot struct {
	encounters map[int64]*Encounter
	statuses   []*StatusRecord
}

func (m *mockRepo) snapshot() repoSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := repoSnapshot{encounters: make(map[int64]*Encounter, len(m.encounters))}
	for id, e := range m.encounters {
		s.encounters[id] = cloneEncounter(e)
	}
	for _, r := range m.statuses {
		c := *r
		s.statuses = append(s.statuses, &c)
	}
	return s
}

func (m *mockRepo) restore(s repoSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.encounters = s.encounters
	m.statuses = s.statuses
}

func (m *mockRepo) Create(_ context.Context, enc *Encounter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	enc.ID = m.nextID
	enc.CreatedAt = time.Now()
	enc.UpdatedAt = enc.CreatedAt
	m.encounters[enc.ID] = cloneEncounter(enc)
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id int64) (*Encounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.encounters[id]
	if !ok {
		return nil, apperr.NotFound("encounter", "")
	}
	c := cloneEncounter(e)
	c.Status = ""
	return c, nil
}

func (m *mockRepo) ListByPatient(_ context.Context, patientID int64) ([]*Encounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Encounter
	for _, e := range m.encounters {
		if e.PatientID == patientID {
			out = append(out, cloneEncounter(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockRepo) Reassign(_ context.Context, encounterID, toPatientID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.encounters[encounterID]
	if !ok {
		return apperr.NotFound("encounter", "")
	}
	e.PatientID = toPatientID
	return nil
}

func (m *mockRepo) LockForUpdate(_ context.Context, ids ...int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if _, ok := m.encounters[id]; !ok {
			return apperr.NotFound("encounter", "")
		}
	}
	return nil
}

func (m *mockRepo) AppendStatus(_ context.Context, rec *StatusRecord) error {
	if m.beforeAppend != nil {
		m.beforeAppend(rec)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.statuses {
		if s.EncounterID == rec.EncounterID && s.Seq == rec.Seq {
			return db.TranslateError(&pgconn.PgError{Code: "23505", ConstraintName: "uq_encounter_status_seq"})
		}
	}
	m.nextStatusID++
	rec.ID = m.nextStatusID
	c := *rec
	m.statuses = append(m.statuses, &c)
	return nil
}

func (m *mockRepo) history(encounterID int64) []*StatusRecord {
	var out []*StatusRecord
	for _, s := range m.statuses {
		if s.EncounterID == encounterID {
			c := *s
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ChangedOn.Equal(out[j].ChangedOn) {
			return out[i].ChangedOn.Before(out[j].ChangedOn)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

func (m *mockRepo) LatestStatus(_ context.Context, encounterID int64) (*StatusRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history(encounterID)
	if len(h) == 0 {
		return nil, nil
	}
	return h[len(h)-1], nil
}

func (m *mockRepo) ListByLatestStatus(_ context.Context, status Status) ([]*Encounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Encounter
	for id, e := range m.encounters {
		h := m.history(id)
		if len(h) > 0 && h[len(h)-1].Status == status {
			out = append(out, cloneEncounter(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockRepo) StatusHistory(_ context.Context, encounterID int64) ([]*StatusRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history(encounterID), nil
}

func (m *mockRepo) GetTypeByName(_ context.Context, name string) (*EncounterType, error) {
	t, ok := m.types[name]
	if !ok {
		return nil, apperr.NotFound("encounter type", name)
	}
	return t, nil
}

func (m *mockRepo) GetRoleByName(_ context.Context, name string) (*EncounterRole, error) {
	r, ok := m.roles[name]
	if !ok {
		return nil, apperr.NotFound("encounter role", name)
	}
	return r, nil
}

func (m *mockRepo) LocationExists(_ context.Context, id int64) (bool, error) {
	return m.locations[id], nil
}

func (m *mockRepo) ProviderExists(_ context.Context, id int64) (bool, error) {
	return m.providers[id], nil
}

// seed stores an encounter with the given trail, bypassing the service.
func (m *mockRepo) seed(patientID int64, trail ...StatusRecord) int64 {
	enc := &Encounter{PatientID: patientID, TypeID: 1, TypeName: "Outpatient Visit"}
	_ = m.Create(context.Background(), enc)
	for _, r := range trail {
		r.EncounterID = enc.ID
		_ = m.AppendStatus(context.Background(), &r)
	}
	return enc.ID
}

// -- Mock transaction runner and patients --

// mockTx restores the repository snapshot when fn fails, the way a rolled
// back transaction would.
type mockTx struct {
	repo *mockRepo
	isos []db.Isolation
}

func (m *mockTx) InTx(ctx context.Context, iso db.Isolation, fn func(ctx context.Context) error) error {
	m.isos = append(m.isos, iso)
	snap := m.repo.snapshot()
	if err := fn(ctx); err != nil {
		m.repo.restore(snap)
		return err
	}
	return nil
}

type mockPatients map[int64]*identity.Patient

func (m mockPatients) LockForShare(_ context.Context, id int64) error {
	if _, ok := m[id]; !ok {
		return apperr.NotFound("patient", "")
	}
	return nil
}

func (m mockPatients) GetByID(_ context.Context, id int64) (*identity.Patient, error) {
	p, ok := m[id]
	if !ok {
		return nil, apperr.NotFound("patient", "")
	}
	return p, nil
}

type fixture struct {
	repo *mockRepo
	tx   *mockTx
	sink *mocks.MockSink
	svc  *Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	repo := newMockRepo()
	tx := &mockTx{repo: repo}
	sink := mocks.NewMockSink(gomock.NewController(t))
	patients := mockPatients{
		42: {ID: 42},
		43: {ID: 43, Voided: true},
	}
	return &fixture{
		repo: repo,
		tx:   tx,
		sink: sink,
		svc:  NewService(repo, patients, tx, sink, opts...),
	}
}

func (f *fixture) allowAudit() {
	f.sink.EXPECT().Append(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
}

func ptrInt64(v int64) *int64 { return &v }

// -- Tests --

func TestCreateThenChangeStatus_Scenario(t *testing.T) {
	f := newFixture(t)
	f.allowAudit()
	ctx := context.Background()

	enc, err := f.svc.CreateEncounter(ctx, CreateRequest{
		PatientID:  42,
		TypeName:   "Outpatient Visit",
		LocationID: 1,
		ProviderID: ptrInt64(7),
		CreatedBy:  7,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRegistered, enc.Status)
	assert.Equal(t, int64(42), enc.PatientID)
	require.NotNil(t, enc.LocationID)
	assert.Equal(t, int64(1), *enc.LocationID)
	require.Len(t, enc.Providers, 1)
	assert.Equal(t, ProviderAssignment{ProviderID: 7, RoleID: 1, RoleName: DefaultAttendingRole}, enc.Providers[0])

	history, err := f.svc.GetStatusHistory(ctx, enc.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, StatusRegistered, history[0].Status)

	_, err = f.svc.ChangeStatus(ctx, enc.ID, StatusInProgress, 7)
	require.NoError(t, err)

	_, err = f.svc.ChangeStatus(ctx, enc.ID, StatusRegistered, 7)
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "IN_PROGRESS", ae.Details["from"])
	assert.Equal(t, "REGISTERED", ae.Details["to"])

	current, err := f.svc.GetCurrentStatus(ctx, enc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, current)
	assert.Equal(t, []db.Isolation{db.ReadCommitted, db.ReadCommitted, db.ReadCommitted}, f.tx.isos)
}

func TestCreateEncounter_Failures(t *testing.T) {
	tests := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{"blank type", CreateRequest{PatientID: 42, TypeName: "  "}, apperr.ErrValidation},
		{"unknown patient", CreateRequest{PatientID: 99, TypeName: "Inpatient"}, apperr.ErrNotFound},
		{"voided patient", CreateRequest{PatientID: 43, TypeName: "Inpatient"}, apperr.ErrValidation},
		{"unknown type", CreateRequest{PatientID: 42, TypeName: "Telehealth"}, apperr.ErrNotFound},
		{"unknown location", CreateRequest{PatientID: 42, TypeName: "Inpatient", LocationID: 5}, apperr.ErrNotFound},
		{"unknown provider", CreateRequest{PatientID: 42, TypeName: "Inpatient", ProviderID: ptrInt64(8)}, apperr.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.CreateEncounter(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.want)
			assert.Empty(t, f.repo.encounters)
			assert.Empty(t, f.repo.statuses)
		})
	}
}

// orderedPatients logs calls so tests can check the patient row is locked
// before it is read.
type orderedPatients struct {
	mockPatients
	calls []string
}

func (o *orderedPatients) LockForShare(ctx context.Context, id int64) error {
	o.calls = append(o.calls, "lock")
	return o.mockPatients.LockForShare(ctx, id)
}

func (o *orderedPatients) GetByID(ctx context.Context, id int64) (*identity.Patient, error) {
	o.calls = append(o.calls, "get")
	return o.mockPatients.GetByID(ctx, id)
}

func TestCreateEncounter_LocksPatientBeforeVoidCheck(t *testing.T) {
	f := newFixture(t)
	f.allowAudit()
	patients := &orderedPatients{mockPatients: mockPatients{42: {ID: 42}, 43: {ID: 43, Voided: true}}}
	svc := NewService(f.repo, patients, f.tx, f.sink)

	_, err := svc.CreateEncounter(context.Background(), CreateRequest{PatientID: 42, TypeName: "Inpatient"})
	require.NoError(t, err)
	assert.Equal(t, []string{"lock", "get"}, patients.calls)

	patients.calls = nil
	_, err = svc.CreateEncounter(context.Background(), CreateRequest{PatientID: 43, TypeName: "Inpatient"})
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, []string{"lock", "get"}, patients.calls)

	patients.calls = nil
	_, err = svc.CreateEncounter(context.Background(), CreateRequest{PatientID: 99, TypeName: "Inpatient"})
	require.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, []string{"lock"}, patients.calls)
}

func TestCreateEncounter_MissingAttendingRole(t *testing.T) {
	f := newFixture(t, WithAttendingRole("Surgeon"))
	_, err := f.svc.CreateEncounter(context.Background(), CreateRequest{
		PatientID: 42, TypeName: "Inpatient", ProviderID: ptrInt64(7),
	})
	require.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Empty(t, f.repo.encounters)
}

func TestCreateEncounter_WritesAuditEntry(t *testing.T) {
	f := newFixture(t)
	var got audit.Event
	f.sink.EXPECT().Append(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, e audit.Event) error {
		got = e
		return nil
	})

	enc, err := f.svc.CreateEncounter(context.Background(), CreateRequest{PatientID: 42, TypeName: "Inpatient", CreatedBy: 3})
	require.NoError(t, err)
	assert.Equal(t, audit.TypeEncounterCreate, got.Type)
	assert.Equal(t, []int64{enc.ID, 42}, got.SubjectIDs)
	assert.Equal(t, int64(3), got.Actor)
	assert.Nil(t, enc.LocationID)
}

func TestCreateEncounter_AuditFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.sink.EXPECT().Append(gomock.Any(), gomock.Any()).Return(errors.New("audit table unavailable"))

	_, err := f.svc.CreateEncounter(context.Background(), CreateRequest{PatientID: 42, TypeName: "Inpatient"})
	require.Error(t, err)
	assert.Empty(t, f.repo.encounters)
	assert.Empty(t, f.repo.statuses)
}

func TestChangeStatus_UnknownEncounter(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ChangeStatus(context.Background(), 404, StatusInProgress, 1)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestChangeStatus_UnknownStatus(t *testing.T) {
	f := newFixture(t)
	id := f.repo.seed(42, StatusRecord{Seq: 1, Status: StatusRegistered, ChangedOn: time.Now()})
	_, err := f.svc.ChangeStatus(context.Background(), id, Status("ON_HOLD"), 1)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestChangeStatus_FromNoRecordOnlyAllowsRegistered(t *testing.T) {
	f := newFixture(t)
	f.allowAudit()
	id := f.repo.seed(42)

	_, err := f.svc.ChangeStatus(context.Background(), id, StatusInProgress, 1)
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)

	enc, err := f.svc.ChangeStatus(context.Background(), id, StatusRegistered, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusRegistered, enc.Status)
}

func TestStateMachineClosure(t *testing.T) {
	table := DefaultTransitions()
	assert.Equal(t, []Status{StatusClosed}, table.Terminal())

	all := []Status{StatusRegistered, StatusInProgress, StatusDischarged, StatusClosed}
	for _, path := range [][]Status{
		{StatusRegistered, StatusInProgress, StatusClosed},
		{StatusRegistered, StatusInProgress, StatusDischarged, StatusClosed},
	} {
		f := newFixture(t)
		f.allowAudit()
		id := f.repo.seed(42)
		for _, st := range path {
			_, err := f.svc.ChangeStatus(context.Background(), id, st, 1)
			require.NoError(t, err, "transition to %s", st)
		}
		for _, st := range all {
			_, err := f.svc.ChangeStatus(context.Background(), id, st, 1)
			assert.ErrorIs(t, err, apperr.ErrInvalidTransition, "CLOSED -> %s", st)
		}
		history, err := f.svc.GetStatusHistory(context.Background(), id)
		require.NoError(t, err)
		assert.Len(t, history, len(path))
	}
}

func TestTransitionTable_Allows(t *testing.T) {
	table := DefaultTransitions()
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusNone, StatusRegistered, true},
		{StatusNone, StatusInProgress, false},
		{StatusRegistered, StatusInProgress, true},
		{StatusRegistered, StatusClosed, false},
		{StatusInProgress, StatusDischarged, true},
		{StatusInProgress, StatusClosed, true},
		{StatusInProgress, StatusRegistered, false},
		{StatusDischarged, StatusClosed, true},
		{StatusDischarged, StatusInProgress, false},
		{StatusClosed, StatusRegistered, false},
		{StatusClosed, StatusClosed, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, table.Allows(tt.from, tt.to), "%q -> %q", tt.from, tt.to)
	}
}

func TestChangeStatus_InjectedTransitions(t *testing.T) {
	table := DefaultTransitions()
	table[StatusRegistered] = append(table[StatusRegistered], StatusClosed)
	f := newFixture(t, WithTransitions(table))
	f.allowAudit()
	id := f.repo.seed(42, StatusRecord{Seq: 1, Status: StatusRegistered, ChangedOn: time.Now()})

	_, err := f.svc.ChangeStatus(context.Background(), id, StatusClosed, 1)
	assert.NoError(t, err)
}

func TestCurrentStatusUsesLatestRecord(t *testing.T) {
	f := newFixture(t)
	t1 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	id := f.repo.seed(42,
		StatusRecord{Seq: 1, Status: StatusRegistered, ChangedOn: t1},
		StatusRecord{Seq: 2, Status: StatusInProgress, ChangedOn: t1.Add(time.Hour)},
		StatusRecord{Seq: 3, Status: StatusDischarged, ChangedOn: t1.Add(2 * time.Hour)},
	)
	other := f.repo.seed(42,
		StatusRecord{Seq: 1, Status: StatusRegistered, ChangedOn: t1},
		StatusRecord{Seq: 2, Status: StatusInProgress, ChangedOn: t1.Add(time.Hour)},
	)

	current, err := f.svc.GetCurrentStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusDischarged, current)

	inProgress, err := f.svc.FindByStatus(context.Background(), StatusInProgress)
	require.NoError(t, err)
	require.Len(t, inProgress, 1)
	assert.Equal(t, other, inProgress[0].ID)
	assert.Equal(t, StatusInProgress, inProgress[0].Status)

	discharged, err := f.svc.FindByStatus(context.Background(), StatusDischarged)
	require.NoError(t, err)
	require.Len(t, discharged, 1)
	assert.Equal(t, id, discharged[0].ID)
}

func TestGetCurrentStatus_NoRecordAndUnknown(t *testing.T) {
	f := newFixture(t)
	id := f.repo.seed(42)

	current, err := f.svc.GetCurrentStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusNone, current)

	_, err = f.svc.GetCurrentStatus(context.Background(), 999)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestFindByStatus_RejectsUnknownStatus(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.FindByStatus(context.Background(), Status("LOST"))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestChangeStatus_ChangedOnStrictlyIncreasesWhenClockStalls(t *testing.T) {
	frozen := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, WithClock(func() time.Time { return frozen }))
	f.allowAudit()
	id := f.repo.seed(42)

	for _, st := range []Status{StatusRegistered, StatusInProgress, StatusDischarged, StatusClosed} {
		_, err := f.svc.ChangeStatus(context.Background(), id, st, 1)
		require.NoError(t, err)
	}

	history, err := f.svc.GetStatusHistory(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, history, 4)
	for i, rec := range history {
		assert.Equal(t, i+1, rec.Seq)
		if i > 0 {
			assert.True(t, rec.ChangedOn.After(history[i-1].ChangedOn), "record %d not after %d", i, i-1)
		}
	}
	assert.Equal(t, StatusClosed, history[3].Status)
}

func TestChangeStatus_ClockStepsBack(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, WithClock(func() time.Time { return now }))
	f.allowAudit()
	id := f.repo.seed(42, StatusRecord{Seq: 1, Status: StatusRegistered, ChangedOn: now.Add(time.Minute)})

	_, err := f.svc.ChangeStatus(context.Background(), id, StatusInProgress, 1)
	require.NoError(t, err)

	current, err := f.svc.GetCurrentStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, current)
}

func TestChangeStatus_LostRaceIsConflict(t *testing.T) {
	f := newFixture(t)
	id := f.repo.seed(42, StatusRecord{Seq: 1, Status: StatusRegistered, ChangedOn: time.Now()})

	// Another writer slips in the same sequence number after our read.
	f.repo.beforeAppend = func(rec *StatusRecord) {
		f.repo.beforeAppend = nil
		_ = f.repo.AppendStatus(context.Background(), &StatusRecord{
			EncounterID: rec.EncounterID, Seq: rec.Seq, Status: StatusInProgress, ChangedOn: rec.ChangedOn,
		})
	}

	_, err := f.svc.ChangeStatus(context.Background(), id, StatusInProgress, 1)
	require.ErrorIs(t, err, apperr.ErrConflict)
	history, _ := f.svc.GetStatusHistory(context.Background(), id)
	assert.Len(t, history, 1, "rolled back to the pre-transaction trail")
}

func TestChangeStatus_AuditFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	id := f.repo.seed(42, StatusRecord{Seq: 1, Status: StatusRegistered, ChangedOn: time.Now()})
	f.sink.EXPECT().Append(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))

	_, err := f.svc.ChangeStatus(context.Background(), id, StatusInProgress, 1)
	require.Error(t, err)

	current, err := f.svc.GetCurrentStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusRegistered, current)
}

func TestChangeStatus_AuditCarriesTransition(t *testing.T) {
	f := newFixture(t)
	id := f.repo.seed(42, StatusRecord{Seq: 1, Status: StatusRegistered, ChangedOn: time.Now()})
	var got audit.Event
	f.sink.EXPECT().Append(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, e audit.Event) error {
		got = e
		return nil
	})

	_, err := f.svc.ChangeStatus(context.Background(), id, StatusInProgress, 5)
	require.NoError(t, err)
	assert.Equal(t, audit.TypeEncounterStatus, got.Type)
	assert.Equal(t, []int64{id, 42}, got.SubjectIDs)
	assert.Equal(t, int64(5), got.Actor)
	assert.Equal(t, "REGISTERED", got.Detail["from"])
	assert.Equal(t, "IN_PROGRESS", got.Detail["to"])
	assert.Equal(t, 2, got.Detail["seq"])
}

func TestConcurrentChangeStatus_OnlyOneWins(t *testing.T) {
	f := newFixture(t)
	f.allowAudit()
	id := f.repo.seed(42, StatusRecord{Seq: 1, Status: StatusRegistered, ChangedOn: time.Now()})

	// The encounter lock is what serializes writers in Postgres; emulate it.
	var lock sync.Mutex
	runner := &lockingTx{inner: f.tx, lock: &lock}
	svc := NewService(f.repo, mockPatients{42: {ID: 42}}, runner, f.sink)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.ChangeStatus(context.Background(), id, StatusInProgress, int64(i+1))
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	}
	assert.Equal(t, 1, ok)
	history, _ := f.svc.GetStatusHistory(context.Background(), id)
	assert.Len(t, history, 2)
}

type lockingTx struct {
	inner db.TxRunner
	lock  *sync.Mutex
}

func (l *lockingTx) InTx(ctx context.Context, iso db.Isolation, fn func(ctx context.Context) error) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.inner.InTx(ctx, iso, fn)
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus(" in_progress ")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, st)

	_, err = ParseStatus("")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = ParseStatus("ARRIVED")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
