package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/manpreetbhatti/lattice-board/internal/store"
)

// Database is the sqlite-backed store.
type Database struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ store.Store = (*Database)(nil)

// New opens (and if needed creates) the sqlite database at dbPath.
func New(dbPath string, logger *zap.Logger) (*Database, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// WAL lets replay readers run next to the writers of live rooms
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Database initialized", zap.String("path", dbPath))
	return &Database{db: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		name TEXT PRIMARY KEY,
		elements BLOB NOT NULL,
		compressed BOOLEAN NOT NULL DEFAULT TRUE,
		tracking_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS log_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_name TEXT NOT NULL,
		event_type TEXT NOT NULL,
		user_pseudonym TEXT NOT NULL DEFAULT '',
		created_at_ns INTEGER NOT NULL,
		content BLOB NOT NULL,
		compressed BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_log_records_room ON log_records(room_name, created_at_ns, id);

	CREATE TABLE IF NOT EXISTS pseudonyms (
		room_name TEXT NOT NULL,
		identity TEXT NOT NULL,
		pseudonym TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (room_name, identity)
	);

	CREATE TABLE IF NOT EXISTS files (
		room_name TEXT NOT NULL,
		file_id TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (room_name, file_id)
	);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Room operations

func (d *Database) GetRoom(ctx context.Context, name string) (*store.Room, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT name, elements, compressed, tracking_enabled, created_at, updated_at FROM rooms WHERE name = ?",
		name,
	)

	var (
		room       store.Room
		data       []byte
		compressed bool
	)
	err := row.Scan(&room.Name, &data, &compressed, &room.TrackingEnabled, &room.CreatedAt, &room.UpdatedAt)
	if err == sql.ErrNoRows {
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

func (d *Database) GetOrCreateRoom(ctx context.Context, name string, defaults store.RoomDefaults) (*store.Room, bool, error) {
	res, err := d.db.ExecContext(ctx,
		"INSERT INTO rooms (name, elements, compressed, tracking_enabled) VALUES (?, ?, TRUE, ?) ON CONFLICT(name) DO NOTHING",
		name, emptyElements(), defaults.TrackingEnabled,
	)
	if err != nil {
		return nil, false, store.Fail("create room", err)
	}
	created, err := res.RowsAffected()
	if err != nil {
		return nil, false, store.Fail("create room", err)
	}

	room, err := d.GetRoom(ctx, name)
	if err != nil {
		return nil, false, err
	}
	return room, created > 0, nil
}

func (d *Database) UpsertRoomElements(ctx context.Context, name string, elements []store.Element) error {
	data, compressed, err := encodeElements(elements)
	if err != nil {
		return err
	}

	res, err := d.db.ExecContext(ctx,
		"UPDATE rooms SET elements = ?, compressed = ?, updated_at = CURRENT_TIMESTAMP WHERE name = ?",
		data, compressed, name,
	)
	if err != nil {
		return store.Fail("upsert room elements", err)
	}
	return requireRow(res, "upsert room elements")
}

func (d *Database) ReconcileRoomElements(ctx context.Context, name string, decide store.Reconciler) error {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return store.Fail("reconcile room elements", err)
	}
	defer conn.Close()

	// IMMEDIATE takes the write lock before the read
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return store.Fail("reconcile room elements", err)
	}
	committed := false
	defer func() {
		if !committed {
			conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	var (
		data       []byte
		compressed bool
	)
	err = conn.QueryRowContext(ctx, "SELECT elements, compressed FROM rooms WHERE name = ?", name).
		Scan(&data, &compressed)
	if err == sql.ErrNoRows {
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
	if _, err := conn.ExecContext(ctx,
		"UPDATE rooms SET elements = ?, compressed = ?, updated_at = CURRENT_TIMESTAMP WHERE name = ?",
		data, compressed, name,
	); err != nil {
		return store.Fail("reconcile room elements", err)
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return store.Fail("reconcile room elements", err)
	}
	committed = true
	return nil
}

func (d *Database) SetTracking(ctx context.Context, name string, enabled bool) error {
	res, err := d.db.ExecContext(ctx,
		"UPDATE rooms SET tracking_enabled = ? WHERE name = ?",
		enabled, name,
	)
	if err != nil {
		return store.Fail("set tracking", err)
	}
	return requireRow(res, "set tracking")
}

// ListRooms returns room metadata, most recently updated first. Elements are
// not loaded.
func (d *Database) ListRooms(ctx context.Context, limit, offset int) ([]*store.Room, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT name, tracking_enabled, created_at, updated_at FROM rooms ORDER BY updated_at DESC, name ASC LIMIT ? OFFSET ?",
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

// Log record operations

func (d *Database) AppendLogRecord(ctx context.Context, record *store.LogRecord) error {
	return d.AppendLogRecords(ctx, []*store.LogRecord{record})
}

func (d *Database) AppendLogRecords(ctx context.Context, records []*store.LogRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Fail("append log records", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO log_records (room_name, event_type, user_pseudonym, created_at_ns, content, compressed)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return store.Fail("append log records", err)
	}
	defer stmt.Close()

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
		res, err := stmt.ExecContext(ctx,
			record.Room, record.EventType, record.Pseudonym, createdAt.UnixNano(), content, compressed,
		)
		if err != nil {
			return store.Fail("append log records", err)
		}
		if ids[i], err = res.LastInsertId(); err != nil {
			return store.Fail("append log records", err)
		}
	}

	if err := tx.Commit(); err != nil {
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

func (d *Database) LogRecordsForRoom(ctx context.Context, room string) ([]store.RecordRef, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id, created_at_ns FROM log_records WHERE room_name = ? ORDER BY created_at_ns ASC, id ASC",
		room,
	)
	if err != nil {
		return nil, store.Fail("list log records", err)
	}
	defer rows.Close()

	refs := []store.RecordRef{}
	for rows.Next() {
		var (
			ref store.RecordRef
			ns  int64
		)
		if err := rows.Scan(&ref.ID, &ns); err != nil {
			return nil, store.Fail("list log records", err)
		}
		ref.CreatedAt = time.Unix(0, ns)
		refs = append(refs, ref)
	}
	return refs, store.Fail("list log records", rows.Err())
}

func (d *Database) GetLogRecord(ctx context.Context, id int64) (*store.LogRecord, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, room_name, event_type, user_pseudonym, created_at_ns, content, compressed
		FROM log_records WHERE id = ?
	`, id)

	var (
		record     store.LogRecord
		ns         int64
		data       []byte
		compressed bool
	)
	err := row.Scan(&record.ID, &record.Room, &record.EventType, &record.Pseudonym, &ns, &data, &compressed)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, store.Fail("get log record", err)
	}
	record.CreatedAt = time.Unix(0, ns)
	if record.Content, err = decodeContent(data, compressed); err != nil {
		return nil, err
	}
	return &record, nil
}

// Pseudonym operations

func (d *Database) GetPseudonym(ctx context.Context, room string, identity uuid.UUID) (*store.Pseudonym, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT room_name, identity, pseudonym, created_at FROM pseudonyms WHERE room_name = ? AND identity = ?",
		room, identity.String(),
	)

	var (
		p  store.Pseudonym
		id string
	)
	err := row.Scan(&p.Room, &id, &p.Value, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, store.Fail("get pseudonym", err)
	}
	if p.Identity, err = uuid.Parse(id); err != nil {
		return nil, store.Fail("get pseudonym", err)
	}
	return &p, nil
}

func (d *Database) CreatePseudonym(ctx context.Context, p *store.Pseudonym) error {
	res, err := d.db.ExecContext(ctx,
		"INSERT INTO pseudonyms (room_name, identity, pseudonym) VALUES (?, ?, ?) ON CONFLICT(room_name, identity) DO NOTHING",
		p.Room, p.Identity.String(), p.Value,
	)
	if err != nil {
		return store.Fail("create pseudonym", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.Fail("create pseudonym", err)
	}
	if n == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}

// File operations

func (d *Database) KnownFiles(ctx context.Context, room string, ids []string) (map[string]bool, error) {
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		var exists int
		err := d.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM files WHERE room_name = ? AND file_id = ?",
			room, id,
		).Scan(&exists)
		if err != nil {
			return nil, store.Fail("known files", err)
		}
		known[id] = exists > 0
	}
	return known, nil
}

func (d *Database) RegisterFile(ctx context.Context, room, id string) error {
	_, err := d.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO files (room_name, file_id) VALUES (?, ?)",
		room, id,
	)
	return store.Fail("register file", err)
}

// Stats

func (d *Database) Stats(ctx context.Context) (store.Stats, error) {
	var stats store.Stats

	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&stats.Rooms); err != nil {
		return stats, store.Fail("stats", err)
	}
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM log_records").Scan(&stats.LogRecords); err != nil {
		return stats, store.Fail("stats", err)
	}
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pseudonyms").Scan(&stats.Pseudonyms); err != nil {
		return stats, store.Fail("stats", err)
	}
	return stats, nil
}

type rowsAffecter interface {
	RowsAffected() (int64, error)
}

func requireRow(res rowsAffecter, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return store.Fail(op, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
