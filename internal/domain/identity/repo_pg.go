package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

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

// -- Patient Repository --

type patientRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const patientCols = `id, uuid, gender, birth_date, voided, void_reason, voided_at, voided_by, created_at, updated_at`

const nameCols = `id, given, middle, family, preferred`

const addressCols = `id, line1, line2, city, state, postal_code, country, preferred`

const identifierCols = `id, patient_id, identifier_type, value, location_id, preferred`

const linkCols = `id, patient_id, linked_patient_id, link_type, reason, created_by, created_at`

func (r *patientRepoPG) scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var gender *string
	err := row.Scan(&p.ID, &p.UUID, &gender, &p.BirthDate, &p.Voided, &p.VoidReason,
		&p.VoidedAt, &p.VoidedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if gender != nil {
		p.Gender = *gender
	}
	return &p, nil
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	if p.UUID == uuid.Nil {
		p.UUID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient (uuid, gender, birth_date)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at`,
		p.UUID, p.Gender, p.BirthDate,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create patient: %w", db.TranslateError(err))
	}

	if err := r.insertNames(ctx, p.ID, p.Names); err != nil {
		return err
	}
	if err := r.insertAddresses(ctx, p.ID, p.Addresses); err != nil {
		return err
	}
	for i := range p.Identifiers {
		p.Identifiers[i].PatientID = p.ID
		if err := r.AddIdentifier(ctx, &p.Identifiers[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *patientRepoPG) GetByID(ctx context.Context, id int64) (*Patient, error) {
	p, err := r.scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("patient", strconv.FormatInt(id, 10))
		}
		return nil, fmt.Errorf("get patient by id: %w", err)
	}
	if err := r.loadChildren(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *patientRepoPG) GetByUUID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := r.scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE uuid = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("patient", id.String())
		}
		return nil, fmt.Errorf("get patient by uuid: %w", err)
	}
	if err := r.loadChildren(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Search matches non-voided patients whose given name, family name, full name
// or identifier value contains query, case-insensitively.
func (r *patientRepoPG) Search(ctx context.Context, query string, limit int) ([]*Patient, error) {
	pattern := "%" + escapeLike(strings.ToLower(strings.TrimSpace(query))) + "%"
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+patientCols+` FROM patient p
		WHERE p.voided = FALSE AND (
			EXISTS (
				SELECT 1 FROM person_name n
				WHERE n.patient_id = p.id AND (
					LOWER(n.given) LIKE $1 ESCAPE '\' OR
					LOWER(n.family) LIKE $1 ESCAPE '\' OR
					LOWER(CONCAT_WS(' ', NULLIF(n.given, ''), NULLIF(n.middle, ''), NULLIF(n.family, ''))) LIKE $1 ESCAPE '\'
				)
			) OR EXISTS (
				SELECT 1 FROM patient_identifier i
				WHERE i.patient_id = p.id AND LOWER(i.value) LIKE $1 ESCAPE '\'
			)
		)
		ORDER BY p.id
		LIMIT $2`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search patients: %w", err)
	}
	defer rows.Close()

	var items []*Patient
	for rows.Next() {
		p, err := r.scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search patients: %w", err)
	}
	rows.Close()

	for _, p := range items {
		if err := r.loadChildren(ctx, p); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (r *patientRepoPG) Touch(ctx context.Context, id int64) (time.Time, error) {
	var updated time.Time
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE patient SET updated_at = NOW() WHERE id = $1 RETURNING updated_at`, id,
	).Scan(&updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, apperr.NotFound("patient", strconv.FormatInt(id, 10))
		}
		return time.Time{}, fmt.Errorf("touch patient: %w", db.TranslateError(err))
	}
	return updated, nil
}

func (r *patientRepoPG) Void(ctx context.Context, id int64, reason string, actor int64) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient SET voided = TRUE, void_reason = $2, voided_at = NOW(), voided_by = $3, updated_at = NOW()
		WHERE id = $1`, id, reason, actor)
	if err != nil {
		return fmt.Errorf("void patient: %w", db.TranslateError(err))
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("patient", strconv.FormatInt(id, 10))
	}
	return nil
}

// LockForShare conflicts with LockForUpdate, so a patient an encounter is
// being opened for cannot be merged away mid-transaction.
func (r *patientRepoPG) LockForShare(ctx context.Context, id int64) error {
	var locked int64
	err := r.conn(ctx).QueryRow(ctx, `SELECT id FROM patient WHERE id = $1 FOR SHARE`, id).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("patient", strconv.FormatInt(id, 10))
		}
		return fmt.Errorf("lock patient: %w", db.TranslateError(err))
	}
	return nil
}

// LockForUpdate takes row locks in ascending id order so that two concurrent
// merges over the same pair cannot deadlock.
func (r *patientRepoPG) LockForUpdate(ctx context.Context, ids ...int64) error {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id FROM patient WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return fmt.Errorf("lock patients: %w", db.TranslateError(err))
	}
	defer rows.Close()

	found := make(map[int64]bool, len(ids))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("lock patients: %w", err)
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("lock patients: %w", db.TranslateError(err))
	}
	for _, id := range ids {
		if !found[id] {
			return apperr.NotFound("patient", strconv.FormatInt(id, 10))
		}
	}
	return nil
}

func (r *patientRepoPG) insertNames(ctx context.Context, patientID int64, names []PersonName) error {
	for i := range names {
		n := &names[i]
		err := r.conn(ctx).QueryRow(ctx, `
			INSERT INTO person_name (patient_id, given, middle, family, preferred, position)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			patientID, n.Given, n.Middle, n.Family, n.Preferred, i,
		).Scan(&n.ID)
		if err != nil {
			return fmt.Errorf("insert person name: %w", err)
		}
	}
	return nil
}

func (r *patientRepoPG) insertAddresses(ctx context.Context, patientID int64, addrs []Address) error {
	for i := range addrs {
		a := &addrs[i]
		err := r.conn(ctx).QueryRow(ctx, `
			INSERT INTO patient_address (patient_id, line1, line2, city, state, postal_code, country, preferred, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id`,
			patientID, a.Line1, a.Line2, a.City, a.State, a.PostalCode, a.Country, a.Preferred, i,
		).Scan(&a.ID)
		if err != nil {
			return fmt.Errorf("insert address: %w", err)
		}
	}
	return nil
}

func (r *patientRepoPG) loadChildren(ctx context.Context, p *Patient) error {
	var err error
	if p.Names, err = r.listNames(ctx, p.ID); err != nil {
		return err
	}
	if p.Addresses, err = r.listAddresses(ctx, p.ID); err != nil {
		return err
	}
	p.Identifiers, err = r.listIdentifiers(ctx, p.ID)
	return err
}

func (r *patientRepoPG) listNames(ctx context.Context, patientID int64) ([]PersonName, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+nameCols+` FROM person_name WHERE patient_id = $1 ORDER BY position, id`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list names: %w", err)
	}
	defer rows.Close()
	var items []PersonName
	for rows.Next() {
		var n PersonName
		var given, middle, family *string
		if err := rows.Scan(&n.ID, &given, &middle, &family, &n.Preferred); err != nil {
			return nil, fmt.Errorf("scan name: %w", err)
		}
		n.Given, n.Middle, n.Family = deref(given), deref(middle), deref(family)
		items = append(items, n)
	}
	return items, rows.Err()
}

func (r *patientRepoPG) listAddresses(ctx context.Context, patientID int64) ([]Address, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+addressCols+` FROM patient_address WHERE patient_id = $1 ORDER BY position, id`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}
	defer rows.Close()
	var items []Address
	for rows.Next() {
		var a Address
		var line1, line2, city, state, postal, country *string
		if err := rows.Scan(&a.ID, &line1, &line2, &city, &state, &postal, &country, &a.Preferred); err != nil {
			return nil, fmt.Errorf("scan address: %w", err)
		}
		a.Line1, a.Line2, a.City = deref(line1), deref(line2), deref(city)
		a.State, a.PostalCode, a.Country = deref(state), deref(postal), deref(country)
		items = append(items, a)
	}
	return items, rows.Err()
}

// -- Identifiers --

func (r *patientRepoPG) listIdentifiers(ctx context.Context, patientID int64) ([]PatientIdentifier, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+identifierCols+` FROM patient_identifier WHERE patient_id = $1 ORDER BY id`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list identifiers: %w", err)
	}
	defer rows.Close()
	var items []PatientIdentifier
	for rows.Next() {
		var i PatientIdentifier
		if err := rows.Scan(&i.ID, &i.PatientID, &i.Type, &i.Value, &i.LocationID, &i.Preferred); err != nil {
			return nil, fmt.Errorf("scan identifier: %w", err)
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

func (r *patientRepoPG) AddIdentifier(ctx context.Context, ident *PatientIdentifier) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient_identifier (patient_id, identifier_type, value, location_id, preferred)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		ident.PatientID, ident.Type, ident.Value, ident.LocationID, ident.Preferred,
	).Scan(&ident.ID)
	if err != nil {
		return fmt.Errorf("add identifier: %w", db.TranslateError(err))
	}
	return nil
}

// MoveIdentifier re-parents an identifier row. The moved identifier is never
// preferred on its new owner.
func (r *patientRepoPG) MoveIdentifier(ctx context.Context, identifierID, toPatientID int64) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient_identifier SET patient_id = $2, preferred = FALSE WHERE id = $1`,
		identifierID, toPatientID)
	if err != nil {
		return fmt.Errorf("move identifier: %w", db.TranslateError(err))
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("patient identifier", strconv.FormatInt(identifierID, 10))
	}
	return nil
}

func (r *patientRepoPG) GetIdentifierType(ctx context.Context, name string) (*IdentifierType, error) {
	var t IdentifierType
	var desc *string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, name, description FROM patient_identifier_type
		WHERE name = $1 AND retired = FALSE`, name).Scan(&t.ID, &t.Name, &desc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("patient identifier type", name)
		}
		return nil, fmt.Errorf("get identifier type: %w", err)
	}
	t.Description = deref(desc)
	return &t, nil
}

// -- Links --

func (r *patientRepoPG) AddLink(ctx context.Context, link *PatientLink) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient_link (patient_id, linked_patient_id, link_type, reason, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		link.PatientID, link.LinkedPatientID, link.LinkType, link.Reason, link.CreatedBy,
	).Scan(&link.ID, &link.CreatedAt)
	if err != nil {
		return fmt.Errorf("add patient link: %w", db.TranslateError(err))
	}
	return nil
}

func (r *patientRepoPG) GetLinks(ctx context.Context, patientID int64, linkType string) ([]*PatientLink, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+linkCols+` FROM patient_link
		WHERE patient_id = $1 AND ($2 = '' OR link_type = $2)
		ORDER BY id`, patientID, linkType)
	if err != nil {
		return nil, fmt.Errorf("get patient links: %w", err)
	}
	defer rows.Close()
	var items []*PatientLink
	for rows.Next() {
		var l PatientLink
		if err := rows.Scan(&l.ID, &l.PatientID, &l.LinkedPatientID, &l.LinkType, &l.Reason, &l.CreatedBy, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan patient link: %w", err)
		}
		items = append(items, &l)
	}
	return items, rows.Err()
}

// escapeLike escapes LIKE wildcards so user input matches literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
