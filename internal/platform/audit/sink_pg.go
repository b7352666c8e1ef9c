package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/mpi/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGSink stores audit entries in the audit_event table.
type PGSink struct {
	pool *pgxpool.Pool
	tx   db.TxRunner
}

func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool, tx: db.NewTxRunner(pool)}
}

func (s *PGSink) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

const eventCols = `id, event_id, event_type, subject_ids, actor, reason, detail, recorded_at, published_at`

func (s *PGSink) scanEvent(row pgx.Row) (*StoredEvent, error) {
	var e StoredEvent
	var reason *string
	var detail []byte
	err := row.Scan(&e.Seq, &e.ID, &e.Type, &e.SubjectIDs, &e.Actor, &reason, &detail, &e.Timestamp, &e.PublishedAt)
	if err != nil {
		return nil, err
	}
	if reason != nil {
		e.Reason = *reason
	}
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &e.Detail); err != nil {
			return nil, fmt.Errorf("decode audit detail: %w", err)
		}
	}
	return &e, nil
}

// Append writes event through the transaction in ctx, if any.
func (s *PGSink) Append(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var detail []byte
	if len(event.Detail) > 0 {
		b, err := json.Marshal(event.Detail)
		if err != nil {
			return fmt.Errorf("encode audit detail: %w", err)
		}
		detail = b
	}
	var reason *string
	if event.Reason != "" {
		reason = &event.Reason
	}

	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO audit_event (event_id, event_type, subject_ids, actor, reason, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.Type, event.SubjectIDs, event.Actor, reason, detail, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListBySubject returns every entry that references subjectID, oldest first.
func (s *PGSink) ListBySubject(ctx context.Context, subjectID int64) ([]*StoredEvent, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+eventCols+`
		FROM audit_event WHERE $1 = ANY(subject_ids) ORDER BY id`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []*StoredEvent
	for rows.Next() {
		e, err := s.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Drain locks up to limit unpublished entries, hands them to publish and marks
// them published when publish succeeds. Concurrent relays skip each other's
// rows. Returns the number of entries published.
func (s *PGSink) Drain(ctx context.Context, limit int, publish func(ctx context.Context, events []*StoredEvent) error) (int, error) {
	var n int
	err := s.tx.InTx(ctx, db.ReadCommitted, func(ctx context.Context) error {
		rows, err := s.conn(ctx).Query(ctx, `SELECT `+eventCols+`
			FROM audit_event
			WHERE published_at IS NULL
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED`, limit)
		if err != nil {
			return fmt.Errorf("select unpublished audit events: %w", err)
		}

		var batch []*StoredEvent
		for rows.Next() {
			e, err := s.scanEvent(rows)
			if err != nil {
				rows.Close()
				return err
			}
			batch = append(batch, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		if err := publish(ctx, batch); err != nil {
			return err
		}

		seqs := make([]int64, len(batch))
		for i, e := range batch {
			seqs[i] = e.Seq
		}
		if _, err := s.conn(ctx).Exec(ctx,
			`UPDATE audit_event SET published_at = NOW() WHERE id = ANY($1)`, seqs); err != nil {
			return fmt.Errorf("mark audit events published: %w", err)
		}
		n = len(batch)
		return nil
	})
	return n, err
}
