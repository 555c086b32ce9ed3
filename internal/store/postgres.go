package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mancanexus/internal/circulation"
	"mancanexus/internal/journal"
	"mancanexus/internal/membership"
	"mancanexus/internal/seating"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore is a Store backed by PostgreSQL. Transactions run at READ
// COMMITTED so that a statement issued after a row lock is granted sees
// everything committed by the previous holder.
type PostgresStore struct {
	db     *sql.DB
	tracer trace.Tracer
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:     db,
		tracer: otel.Tracer("mancanexus/store"),
	}
}

// OpenPostgres opens and pings a database and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := NewPostgresStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates missing tables and indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// DB exposes the handle for health checks.
func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	ctx, span := s.tracer.Start(ctx, "store.tx")
	defer span.End()

	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", mapErr(err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	if err := fn(ctx, &pgTx{tx: sqlTx, tracer: s.tracer}); err != nil {
		span.RecordError(err)
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		span.SetStatus(codes.Error, "commit failed")
		return fmt.Errorf("commit transaction: %w", mapErr(err))
	}
	committed = true
	return nil
}

// mapErr translates driver errors into store sentinels while keeping the
// original error in the chain.
func mapErr(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "40001", "40P01":
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case "23505":
		switch pqErr.Constraint {
		case "rentals_open_item_idx", "events_aggregate_id_version_key":
			return fmt.Errorf("%w: %w", ErrConflict, err)
		}
		return fmt.Errorf("%w: %w", ErrDuplicate, err)
	case "23503":
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const (
	memberColumns = `id, name, email, phone, version, created_at, updated_at`
	seatColumns   = `id, seat_number, seat_type, status, current_member_id, remarks, version, created_at, updated_at`
	itemColumns   = `id, code, title, status, item_condition, location, version, created_at, updated_at`
	rentalColumns = `id, member_id, item_id, checked_out_at, due_at, returned_at, status, remarks, version`
	eventColumns  = `id, aggregate_id, aggregate_type, event_type, event_data, version, created_at`
)

func scanMember(row scanner) (*membership.Member, error) {
	var m membership.Member
	if err := row.Scan(&m.ID, &m.Name, &m.Email, &m.Phone, &m.Version, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanSeat(row scanner) (*seating.Seat, error) {
	var st seating.Seat
	var occupant uuid.NullUUID
	if err := row.Scan(&st.ID, &st.SeatNumber, &st.Type, &st.Status, &occupant, &st.Remarks, &st.Version, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	if occupant.Valid {
		id := occupant.UUID
		st.CurrentMemberID = &id
	}
	return &st, nil
}

func scanItem(row scanner) (*circulation.Item, error) {
	var it circulation.Item
	if err := row.Scan(&it.ID, &it.Code, &it.Title, &it.Status, &it.Condition, &it.Location, &it.Version, &it.CreatedAt, &it.UpdatedAt); err != nil {
		return nil, err
	}
	return &it, nil
}

func scanRental(row scanner) (*circulation.Rental, error) {
	var r circulation.Rental
	var returned sql.NullTime
	if err := row.Scan(&r.ID, &r.MemberID, &r.ItemID, &r.CheckedOutAt, &r.DueAt, &returned, &r.Status, &r.Remarks, &r.Version); err != nil {
		return nil, err
	}
	if returned.Valid {
		at := returned.Time.UTC()
		r.ReturnedAt = &at
	}
	r.CheckedOutAt = r.CheckedOutAt.UTC()
	r.DueAt = r.DueAt.UTC()
	return &r, nil
}

func scanEvent(row scanner) (journal.Event, error) {
	var e journal.Event
	var data []byte
	if err := row.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &data, &e.Version, &e.CreatedAt); err != nil {
		return e, err
	}
	e.EventData = data
	return e, nil
}

func getOne[T any](ctx context.Context, q querier, kind string, id uuid.UUID, scan func(scanner) (T, error), query string) (T, error) {
	v, err := scan(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return v, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return v, fmt.Errorf("load %s %s: %w", kind, id, mapErr(err))
	}
	return v, nil
}

func (s *PostgresStore) GetMember(ctx context.Context, id uuid.UUID) (*membership.Member, error) {
	return getOne(ctx, s.db, "member", id, scanMember, `SELECT `+memberColumns+` FROM members WHERE id = $1`)
}

func (s *PostgresStore) GetSeat(ctx context.Context, id uuid.UUID) (*seating.Seat, error) {
	return getOne(ctx, s.db, "seat", id, scanSeat, `SELECT `+seatColumns+` FROM seats WHERE id = $1`)
}

func (s *PostgresStore) GetItem(ctx context.Context, id uuid.UUID) (*circulation.Item, error) {
	return getOne(ctx, s.db, "item", id, scanItem, `SELECT `+itemColumns+` FROM items WHERE id = $1`)
}

func (s *PostgresStore) GetRental(ctx context.Context, id uuid.UUID) (*circulation.Rental, error) {
	return getOne(ctx, s.db, "rental", id, scanRental, `SELECT `+rentalColumns+` FROM rentals WHERE id = $1`)
}

func (s *PostgresStore) ListSeats(ctx context.Context, f seating.Filter) ([]seating.Seat, error) {
	ctx, span := s.tracer.Start(ctx, "store.list_seats")
	defer span.End()

	var where []string
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Type != "" {
		args = append(args, string(f.Type))
		where = append(where, fmt.Sprintf("seat_type = $%d", len(args)))
	}
	query := `SELECT ` + seatColumns + ` FROM seats`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seat_number"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query seats: %w", err)
	}
	defer rows.Close()

	var out []seating.Seat
	for rows.Next() {
		st, err := scanSeat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan seat: %w", err)
		}
		out = append(out, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate seats: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListRentals(ctx context.Context, f circulation.RentalFilter) ([]circulation.Rental, error) {
	ctx, span := s.tracer.Start(ctx, "store.list_rentals")
	defer span.End()
	return queryRentals(ctx, s.db, f, "")
}

func queryRentals(ctx context.Context, q querier, f circulation.RentalFilter, suffix string) ([]circulation.Rental, error) {
	var where []string
	var args []any
	if f.MemberID != nil {
		args = append(args, *f.MemberID)
		where = append(where, fmt.Sprintf("member_id = $%d", len(args)))
	}
	if f.ItemID != nil {
		args = append(args, *f.ItemID)
		where = append(where, fmt.Sprintf("item_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.OnlyOpen {
		where = append(where, "status IN ('ACTIVE', 'OVERDUE')")
	}
	query := `SELECT ` + rentalColumns + ` FROM rentals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY checked_out_at, id" + suffix

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rentals: %w", mapErr(err))
	}
	defer rows.Close()

	var out []circulation.Rental
	for rows.Next() {
		r, err := scanRental(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rental: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rentals: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Events(ctx context.Context, aggregateID uuid.UUID) ([]journal.Event, error) {
	ctx, span := s.tracer.Start(ctx, "store.events",
		trace.WithAttributes(attribute.String("aggregate.id", aggregateID.String())),
	)
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE aggregate_id = $1
		ORDER BY version ASC
	`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []journal.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

type pgTx struct {
	tx     *sql.Tx
	tracer trace.Tracer
}

func (t *pgTx) lockSpan(ctx context.Context, kind string, id uuid.UUID) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "store.lock_"+kind,
		trace.WithAttributes(attribute.String(kind+".id", id.String())),
	)
}

func (t *pgTx) GetMember(ctx context.Context, id uuid.UUID) (*membership.Member, error) {
	return getOne(ctx, t.tx, "member", id, scanMember, `SELECT `+memberColumns+` FROM members WHERE id = $1`)
}

// LockMember takes a FOR NO KEY UPDATE lock so rental inserts referencing
// the member are not blocked while the lock serializes lending decisions.
func (t *pgTx) LockMember(ctx context.Context, id uuid.UUID) (*membership.Member, error) {
	ctx, span := t.lockSpan(ctx, "member", id)
	defer span.End()
	return getOne(ctx, t.tx, "member", id, scanMember, `SELECT `+memberColumns+` FROM members WHERE id = $1 FOR NO KEY UPDATE`)
}

func (t *pgTx) InsertMember(ctx context.Context, m *membership.Member) error {
	m.Version = 1
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO members (id, name, email, phone, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, m.ID, m.Name, m.Email, m.Phone, m.Version, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert member %s: %w", m.ID, mapErr(err))
	}
	return nil
}

func (t *pgTx) LockSeat(ctx context.Context, id uuid.UUID) (*seating.Seat, error) {
	ctx, span := t.lockSpan(ctx, "seat", id)
	defer span.End()
	return getOne(ctx, t.tx, "seat", id, scanSeat, `SELECT `+seatColumns+` FROM seats WHERE id = $1 FOR UPDATE`)
}

func (t *pgTx) InsertSeat(ctx context.Context, st *seating.Seat) error {
	now := time.Now().UTC()
	st.Version = 1
	st.CreatedAt, st.UpdatedAt = now, now
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO seats (id, seat_number, seat_type, status, current_member_id, remarks, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, st.ID, st.SeatNumber, string(st.Type), string(st.Status), nullUUID(st.CurrentMemberID), st.Remarks, st.Version, st.CreatedAt, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert seat %s: %w", st.SeatNumber, mapErr(err))
	}
	return nil
}

func (t *pgTx) SaveSeat(ctx context.Context, st *seating.Seat) error {
	now := time.Now().UTC()
	res, err := t.tx.ExecContext(ctx, `
		UPDATE seats
		SET status = $3, current_member_id = $4, remarks = $5, version = version + 1, updated_at = $6
		WHERE id = $1 AND version = $2
	`, st.ID, st.Version, string(st.Status), nullUUID(st.CurrentMemberID), st.Remarks, now)
	if err := checkSaved(res, err, "seat", st.ID, st.Version); err != nil {
		return err
	}
	st.Version++
	st.UpdatedAt = now
	return nil
}

func (t *pgTx) LockItem(ctx context.Context, id uuid.UUID) (*circulation.Item, error) {
	ctx, span := t.lockSpan(ctx, "item", id)
	defer span.End()
	return getOne(ctx, t.tx, "item", id, scanItem, `SELECT `+itemColumns+` FROM items WHERE id = $1 FOR UPDATE`)
}

func (t *pgTx) InsertItem(ctx context.Context, it *circulation.Item) error {
	now := time.Now().UTC()
	it.Version = 1
	it.CreatedAt, it.UpdatedAt = now, now
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO items (id, code, title, status, item_condition, location, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, it.ID, it.Code, it.Title, string(it.Status), it.Condition, it.Location, it.Version, it.CreatedAt, it.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert item %s: %w", it.Code, mapErr(err))
	}
	return nil
}

func (t *pgTx) SaveItem(ctx context.Context, it *circulation.Item) error {
	now := time.Now().UTC()
	res, err := t.tx.ExecContext(ctx, `
		UPDATE items
		SET status = $3, item_condition = $4, location = $5, version = version + 1, updated_at = $6
		WHERE id = $1 AND version = $2
	`, it.ID, it.Version, string(it.Status), it.Condition, it.Location, now)
	if err := checkSaved(res, err, "item", it.ID, it.Version); err != nil {
		return err
	}
	it.Version++
	it.UpdatedAt = now
	return nil
}

func (t *pgTx) LockRental(ctx context.Context, id uuid.UUID) (*circulation.Rental, error) {
	ctx, span := t.lockSpan(ctx, "rental", id)
	defer span.End()
	return getOne(ctx, t.tx, "rental", id, scanRental, `SELECT `+rentalColumns+` FROM rentals WHERE id = $1 FOR UPDATE`)
}

func (t *pgTx) InsertRental(ctx context.Context, r *circulation.Rental) error {
	r.Version = 1
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO rentals (id, member_id, item_id, checked_out_at, due_at, returned_at, status, remarks, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.ID, r.MemberID, r.ItemID, r.CheckedOutAt, r.DueAt, nullTime(r.ReturnedAt), string(r.Status), r.Remarks, r.Version)
	if err != nil {
		return fmt.Errorf("insert rental %s: %w", r.ID, mapErr(err))
	}
	return nil
}

func (t *pgTx) SaveRental(ctx context.Context, r *circulation.Rental) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE rentals
		SET status = $3, returned_at = $4, remarks = $5, version = version + 1
		WHERE id = $1 AND version = $2
	`, r.ID, r.Version, string(r.Status), nullTime(r.ReturnedAt), r.Remarks)
	if err := checkSaved(res, err, "rental", r.ID, r.Version); err != nil {
		return err
	}
	r.Version++
	return nil
}

func (t *pgTx) OpenRentalsByMember(ctx context.Context, memberID uuid.UUID) ([]circulation.Rental, error) {
	return queryRentals(ctx, t.tx, circulation.RentalFilter{MemberID: &memberID, OnlyOpen: true}, "")
}

func (t *pgTx) DueRentalIDs(ctx context.Context, asOf time.Time, limit int) ([]uuid.UUID, error) {
	query := `SELECT id FROM rentals WHERE status = 'ACTIVE' AND due_at < $1 ORDER BY due_at`
	args := []any{asOf}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query due rentals: %w", mapErr(err))
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan rental id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *pgTx) Append(ctx context.Context, events ...journal.Event) error {
	ctx, span := t.tracer.Start(ctx, "store.append",
		trace.WithAttributes(attribute.Int("event.count", len(events))),
	)
	defer span.End()

	for i, e := range events {
		var id int64
		var version int
		err := t.tx.QueryRowContext(ctx, `
			INSERT INTO events (aggregate_id, aggregate_type, event_type, event_data, version, created_at)
			SELECT $1::uuid, $2::text, $3::text, $4::jsonb, COALESCE(MAX(version), 0) + 1, $5::timestamptz
			FROM events
			WHERE aggregate_id = $1::uuid
			RETURNING id, version
		`, e.AggregateID, e.AggregateType, e.EventType, string(e.EventData), e.CreatedAt).Scan(&id, &version)
		if err != nil {
			return fmt.Errorf("insert event %d: %w", i, mapErr(err))
		}
		events[i].ID, events[i].Version = id, version
		span.AddEvent("event.appended", trace.WithAttributes(
			attribute.Int64("event.id", id),
			attribute.Int("event.version", version),
			attribute.String("event.type", e.EventType),
		))
	}
	return nil
}

func checkSaved(res sql.Result, err error, kind string, id uuid.UUID, version int) error {
	if err != nil {
		return fmt.Errorf("update %s %s: %w", kind, id, mapErr(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s %s: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s version %d: %w", kind, id, version, ErrConflict)
	}
	return nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
