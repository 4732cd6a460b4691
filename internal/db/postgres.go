package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/lattice-board/internal/store"
)

// Postgres is the store for multi-instance deployments.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ store.Store = (*Postgres)(nil)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS rooms (
	name TEXT PRIMARY KEY,
	elements BYTEA NOT NULL,
	compressed BOOLEAN NOT NULL DEFAULT TRUE,
	tracking_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS log_records (
	id BIGSERIAL PRIMARY KEY,
	room_name TEXT NOT NULL,
	event_type TEXT NOT NULL,
	user_pseudonym TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	content BYTEA NOT NULL,
	compressed BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_log_records_room ON log_records(room_name, created_at, id);

CREATE TABLE IF NOT EXISTS pseudonyms (
	room_name TEXT NOT NULL,
	identity UUID NOT NULL,
	pseudonym TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (room_name, identity)
);

CREATE TABLE IF NOT EXISTS files (
	room_name TEXT NOT NULL,
	file_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (room_name, file_id)
);
`

// NewPostgres connects to dsn and makes sure the schema exists.
func NewPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("db: postgres dsn is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("Postgres store initialized")
	return &Postgres{pool: pool, logger: logger}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) GetRoom(ctx context.Context, name string) (*store.Room, error) {
	var (
		room       store.Room
		data       []byte
		compressed bool
	)
	err := p.pool.QueryRow(ctx,
		"SELECT name, elements, compressed, tracking_enabled, created_at, updated_at FROM rooms WHERE name = $1",
		name,
	).Scan(&room.Name, &data, &compressed, &room.TrackingEnabled, &room.CreatedAt, &room.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, store.Fail("get room", err)
	}
	if room.Elements, err = decodeElements(data, compressed); err != nil {
		return nil, err
	}
	return &room, nil
}

func (p *Postgres) GetOrCreateRoom(ctx context.Context, name string, defaults store.RoomDefaults) (*store.Room, bool, error) {
	tag, err := p.pool.Exec(ctx,
		"INSERT INTO rooms (name, elements, compressed, tracking_enabled) VALUES ($1, $2, TRUE, $3) ON CONFLICT (name) DO NOTHING",
		name, emptyElements(), defaults.TrackingEnabled,
	)
	if err != nil {
		return nil, false, store.Fail("create room", err)
	}
	room, err := p.GetRoom(ctx, name)
	if err != nil {
		return nil, false, err
	}
	return room, tag.RowsAffected() > 0, nil
}

func (p *Postgres) UpsertRoomElements(ctx context.Context, name string, elements []store.Element) error {
	data, compressed, err := encodeElements(elements)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx,
		"UPDATE rooms SET elements = $1, compressed = $2, updated_at = now() WHERE name = $3",
		data, compressed, name,
	)
	if err != nil {
		return store.Fail("upsert room elements", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (p *Postgres) ReconcileRoomElements(ctx context.Context, name string, decide store.Reconciler) error {
	// FOR UPDATE holds the row until the transaction ends
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var (
			data       []byte
			compressed bool
		)
		err := tx.QueryRow(ctx,
			"SELECT elements, compressed FROM rooms WHERE name = $1 FOR UPDATE",
			name,
		).Scan(&data, &compressed)
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return store.Fail("reconcile room elements", err)
		}
		stored, err := decodeElements(data, compressed)
		if err != nil {
			return err
		}

		next, write := decide(stored)
		if !write {
			return nil
		}
		if data, compressed, err = encodeElements(next); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			"UPDATE rooms SET elements = $1, compressed = $2, updated_at = now() WHERE name = $3",
			data, compressed, name,
		)
		return store.Fail("reconcile room elements", err)
	})
	return store.Fail("reconcile room elements", err)
}

func (p *Postgres) SetTracking(ctx context.Context, name string, enabled bool) error {
	tag, err := p.pool.Exec(ctx, "UPDATE rooms SET tracking_enabled = $1 WHERE name = $2", enabled, name)
	if err != nil {
		return store.Fail("set tracking", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (p *Postgres) ListRooms(ctx context.Context, limit, offset int) ([]*store.Room, error) {
	rows, err := p.pool.Query(ctx,
		"SELECT name, tracking_enabled, created_at, updated_at FROM rooms ORDER BY updated_at DESC, name ASC LIMIT $1 OFFSET $2",
		limit, offset,
	)
	if err != nil {
		return nil, store.Fail("list rooms", err)
	}
	defer rows.Close()

	rooms := []*store.Room{}
	for rows.Next() {
		var room store.Room
		if err := rows.Scan(&room.Name, &room.TrackingEnabled, &room.CreatedAt, &room.UpdatedAt); err != nil {
			return nil, store.Fail("list rooms", err)
		}
		rooms = append(rooms, &room)
	}
	return rooms, store.Fail("list rooms", rows.Err())
}

func (p *Postgres) AppendLogRecord(ctx context.Context, record *store.LogRecord) error {
	return p.AppendLogRecords(ctx, []*store.LogRecord{record})
}

func (p *Postgres) AppendLogRecords(ctx context.Context, records []*store.LogRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return store.Fail("append log records", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	ids := make([]int64, len(records))
	for i, record := range records {
		createdAt := record.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		content, compressed, err := encodeContent(record.Content)
		if err != nil {
			return err
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO log_records (room_name, event_type, user_pseudonym, created_at, content, compressed)
			VALUES ($1, $2, $3, $4, $5, $6) RETURNING id
		`, record.Room, record.EventType, record.Pseudonym, createdAt, content, compressed).Scan(&ids[i])
		if err != nil {
			return store.Fail("append log records", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return store.Fail("append log records", err)
	}
	for i, record := range records {
		record.ID = ids[i]
		if record.CreatedAt.IsZero() {
			record.CreatedAt = now
		}
	}
	return nil
}

func (p *Postgres) LogRecordsForRoom(ctx context.Context, room string) ([]store.RecordRef, error) {
	rows, err := p.pool.Query(ctx,
		"SELECT id, created_at FROM log_records WHERE room_name = $1 ORDER BY created_at ASC, id ASC",
		room,
	)
	if err != nil {
		return nil, store.Fail("list log records", err)
	}
	defer rows.Close()

	refs := []store.RecordRef{}
	for rows.Next() {
		var ref store.RecordRef
		if err := rows.Scan(&ref.ID, &ref.CreatedAt); err != nil {
			return nil, store.Fail("list log records", err)
		}
		refs = append(refs, ref)
	}
	return refs, store.Fail("list log records", rows.Err())
}

func (p *Postgres) GetLogRecord(ctx context.Context, id int64) (*store.LogRecord, error) {
	var (
		record     store.LogRecord
		data       []byte
		compressed bool
	)
	err := p.pool.QueryRow(ctx, `
		SELECT id, room_name, event_type, user_pseudonym, created_at, content, compressed
		FROM log_records WHERE id = $1
	`, id).Scan(&record.ID, &record.Room, &record.EventType, &record.Pseudonym, &record.CreatedAt, &data, &compressed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, store.Fail("get log record", err)
	}
	if record.Content, err = decodeContent(data, compressed); err != nil {
		return nil, err
	}
	return &record, nil
}

func (p *Postgres) GetPseudonym(ctx context.Context, room string, identity uuid.UUID) (*store.Pseudonym, error) {
	var (
		ps store.Pseudonym
		id string
	)
	err := p.pool.QueryRow(ctx,
		"SELECT room_name, identity::text, pseudonym, created_at FROM pseudonyms WHERE room_name = $1 AND identity = $2",
		room, identity.String(),
	).Scan(&ps.Room, &id, &ps.Value, &ps.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, store.Fail("get pseudonym", err)
	}
	if ps.Identity, err = uuid.Parse(id); err != nil {
		return nil, store.Fail("get pseudonym", err)
	}
	return &ps, nil
}

func (p *Postgres) CreatePseudonym(ctx context.Context, ps *store.Pseudonym) error {
	tag, err := p.pool.Exec(ctx,
		"INSERT INTO pseudonyms (room_name, identity, pseudonym) VALUES ($1, $2, $3) ON CONFLICT (room_name, identity) DO NOTHING",
		ps.Room, ps.Identity.String(), ps.Value,
	)
	if err != nil {
		return store.Fail("create pseudonym", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}

func (p *Postgres) KnownFiles(ctx context.Context, room string, ids []string) (map[string]bool, error) {
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = false
	}
	if len(ids) == 0 {
		return known, nil
	}

	rows, err := p.pool.Query(ctx,
		"SELECT file_id FROM files WHERE room_name = $1 AND file_id = ANY($2)",
		room, ids,
	)
	if err != nil {
		return nil, store.Fail("known files", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, store.Fail("known files", err)
		}
		known[id] = true
	}
	return known, store.Fail("known files", rows.Err())
}

func (p *Postgres) RegisterFile(ctx context.Context, room, id string) error {
	_, err := p.pool.Exec(ctx,
		"INSERT INTO files (room_name, file_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		room, id,
	)
	return store.Fail("register file", err)
}

func (p *Postgres) Stats(ctx context.Context) (store.Stats, error) {
	var stats store.Stats
	err := p.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM rooms),
			(SELECT COUNT(*) FROM log_records),
			(SELECT COUNT(*) FROM pseudonyms)
	`).Scan(&stats.Rooms, &stats.LogRecords, &stats.Pseudonyms)
	return stats, store.Fail("stats", err)
}
