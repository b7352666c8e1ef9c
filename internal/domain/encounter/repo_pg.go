package encounter

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/mpi/internal/platform/apperr"
	"github.com/ehr/mpi/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type encounterRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &encounterRepoPG{pool: pool}
}

func (r *encounterRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const encCols = `e.id, e.uuid, e.patient_id, e.encounter_type_id, t.name, e.encounter_datetime,
	e.location_id, e.created_by, e.created_at, e.updated_at`

const encFrom = ` FROM encounter e JOIN encounter_type t ON t.id = e.encounter_type_id`

const statusCols = `id, encounter_id, seq, status, changed_by, changed_on`

func (r *encounterRepoPG) scanEncounter(row pgx.Row) (*Encounter, error) {
	var e Encounter
	err := row.Scan(&e.ID, &e.UUID, &e.PatientID, &e.TypeID, &e.TypeName, &e.Datetime,
		&e.LocationID, &e.CreatedBy, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *encounterRepoPG) scanStatus(row pgx.Row) (*StatusRecord, error) {
	var s StatusRecord
	var status string
	if err := row.Scan(&s.ID, &s.EncounterID, &s.Seq, &status, &s.ChangedBy, &s.ChangedOn); err != nil {
		return nil, err
	}
	s.Status = Status(status)
	return &s, nil
}

func (r *encounterRepoPG) Create(ctx context.Context, enc *Encounter) error {
	if enc.UUID == uuid.Nil {
		enc.UUID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO encounter (uuid, patient_id, encounter_type_id, encounter_datetime, location_id, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`,
		enc.UUID, enc.PatientID, enc.TypeID, enc.Datetime, enc.LocationID, enc.CreatedBy,
	).Scan(&enc.ID, &enc.CreatedAt, &enc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create encounter: %w", db.TranslateError(err))
	}

	for _, p := range enc.Providers {
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO encounter_provider (encounter_id, provider_id, role_id)
			VALUES ($1, $2, $3)`, enc.ID, p.ProviderID, p.RoleID)
		if err != nil {
			return fmt.Errorf("attach provider: %w", db.TranslateError(err))
		}
	}
	return nil
}

func (r *encounterRepoPG) GetByID(ctx context.Context, id int64) (*Encounter, error) {
	e, err := r.scanEncounter(r.conn(ctx).QueryRow(ctx, `SELECT `+encCols+encFrom+` WHERE e.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("encounter", strconv.FormatInt(id, 10))
		}
		return nil, fmt.Errorf("get encounter: %w", err)
	}
	if e.Providers, err = r.listProviders(ctx, e.ID); err != nil {
		return nil, err
	}
	return e, nil
}

func (r *encounterRepoPG) ListByPatient(ctx context.Context, patientID int64) ([]*Encounter, error) {
	return r.list(ctx, `SELECT `+encCols+encFrom+` WHERE e.patient_id = $1 ORDER BY e.id`, patientID)
}

// ListByLatestStatus joins each encounter to its single most recent status
// record, so an older record with a matching status never qualifies.
func (r *encounterRepoPG) ListByLatestStatus(ctx context.Context, status Status) ([]*Encounter, error) {
	return r.list(ctx, `
		SELECT `+encCols+encFrom+`
		JOIN LATERAL (
			SELECT s.status FROM encounter_status s
			WHERE s.encounter_id = e.id
			ORDER BY s.changed_on DESC, s.seq DESC
			LIMIT 1
		) latest ON TRUE
		WHERE latest.status = $1
		ORDER BY e.id`, string(status))
}

func (r *encounterRepoPG) list(ctx context.Context, sql string, args ...any) ([]*Encounter, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list encounters: %w", err)
	}
	defer rows.Close()

	var items []*Encounter
	for rows.Next() {
		e, err := r.scanEncounter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan encounter: %w", err)
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list encounters: %w", err)
	}
	rows.Close()

	for _, e := range items {
		if e.Providers, err = r.listProviders(ctx, e.ID); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (r *encounterRepoPG) listProviders(ctx context.Context, encounterID int64) ([]ProviderAssignment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT ep.provider_id, ep.role_id, er.name
		FROM encounter_provider ep JOIN encounter_role er ON er.id = ep.role_id
		WHERE ep.encounter_id = $1 ORDER BY ep.id`, encounterID)
	if err != nil {
		return nil, fmt.Errorf("list encounter providers: %w", err)
	}
	defer rows.Close()
	var items []ProviderAssignment
	for rows.Next() {
		var p ProviderAssignment
		if err := rows.Scan(&p.ProviderID, &p.RoleID, &p.RoleName); err != nil {
			return nil, fmt.Errorf("scan encounter provider: %w", err)
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *encounterRepoPG) Reassign(ctx context.Context, encounterID, toPatientID int64) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE encounter SET patient_id = $2, updated_at = NOW() WHERE id = $1`,
		encounterID, toPatientID)
	if err != nil {
		return fmt.Errorf("reassign encounter: %w", db.TranslateError(err))
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("encounter", strconv.FormatInt(encounterID, 10))
	}
	return nil
}

func (r *encounterRepoPG) LockForUpdate(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id FROM encounter WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return fmt.Errorf("lock encounters: %w", db.TranslateError(err))
	}
	defer rows.Close()

	found := make(map[int64]bool, len(ids))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("lock encounters: %w", err)
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("lock encounters: %w", db.TranslateError(err))
	}
	for _, id := range ids {
		if !found[id] {
			return apperr.NotFound("encounter", strconv.FormatInt(id, 10))
		}
	}
	return nil
}

// -- Status trail --

func (r *encounterRepoPG) AppendStatus(ctx context.Context, rec *StatusRecord) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO encounter_status (encounter_id, seq, status, changed_by, changed_on)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		rec.EncounterID, rec.Seq, string(rec.Status), rec.ChangedBy, rec.ChangedOn,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("append encounter status: %w", db.TranslateError(err))
	}
	return nil
}

func (r *encounterRepoPG) LatestStatus(ctx context.Context, encounterID int64) (*StatusRecord, error) {
	rec, err := r.scanStatus(r.conn(ctx).QueryRow(ctx, `
		SELECT `+statusCols+` FROM encounter_status
		WHERE encounter_id = $1
		ORDER BY changed_on DESC, seq DESC
		LIMIT 1`, encounterID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest encounter status: %w", err)
	}
	return rec, nil
}

func (r *encounterRepoPG) StatusHistory(ctx context.Context, encounterID int64) ([]*StatusRecord, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+statusCols+` FROM encounter_status
		WHERE encounter_id = $1
		ORDER BY changed_on, seq`, encounterID)
	if err != nil {
		return nil, fmt.Errorf("encounter status history: %w", err)
	}
	defer rows.Close()
	var items []*StatusRecord
	for rows.Next() {
		rec, err := r.scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scan encounter status: %w", err)
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

// -- Reference data --

func (r *encounterRepoPG) GetTypeByName(ctx context.Context, name string) (*EncounterType, error) {
	var t EncounterType
	var desc *string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, name, description FROM encounter_type
		WHERE name = $1 AND retired = FALSE`, name).Scan(&t.ID, &t.Name, &desc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("encounter type", name)
		}
		return nil, fmt.Errorf("get encounter type: %w", err)
	}
	if desc != nil {
		t.Description = *desc
	}
	return &t, nil
}

func (r *encounterRepoPG) GetRoleByName(ctx context.Context, name string) (*EncounterRole, error) {
	var role EncounterRole
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, name FROM encounter_role WHERE name = $1`, name).
		Scan(&role.ID, &role.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("encounter role", name)
		}
		return nil, fmt.Errorf("get encounter role: %w", err)
	}
	return &role, nil
}

func (r *encounterRepoPG) LocationExists(ctx context.Context, id int64) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS (SELECT 1 FROM location WHERE id = $1 AND retired = FALSE)`, id)
}

func (r *encounterRepoPG) ProviderExists(ctx context.Context, id int64) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS (SELECT 1 FROM provider WHERE id = $1 AND retired = FALSE)`, id)
}

func (r *encounterRepoPG) exists(ctx context.Context, sql string, id int64) (bool, error) {
	var ok bool
	if err := r.conn(ctx).QueryRow(ctx, sql, id).Scan(&ok); err != nil {
		return false, fmt.Errorf("check reference: %w", err)
	}
	return ok, nil
}
