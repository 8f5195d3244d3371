package dealgateway

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"lukechampine.com/blake3"
	_ "modernc.org/sqlite"

	"dealchain/core/types"
)

// ErrIdempotencyMismatch is returned when a key is reused with a different payload.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

// ErrIdempotencyInFlight is returned while an earlier request holding the
// same key has not completed.
var ErrIdempotencyInFlight = errors.New("idempotency key in use by a request still in flight")

// pendingStatus marks a reserved key whose response is not stored yet.
const pendingStatus = 0

// SQLiteStore persists idempotency keys, the audit log and the event log.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite serialises writers and an in-memory database exists per
	// connection.
	db.SetMaxOpenConns(1)
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            signer TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY(signer, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            request_id TEXT NOT NULL,
            signer TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            request_body BLOB,
            response_status INTEGER,
            response_body BLOB
        );`,
		`CREATE TABLE IF NOT EXISTS deal_events (
            sequence INTEGER PRIMARY KEY AUTOINCREMENT,
            deal_address TEXT NOT NULL,
            type TEXT NOT NULL,
            request_id TEXT NOT NULL,
            payload TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS deal_events_by_address ON deal_events(deal_address, sequence);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	// Reservations left by a process that stopped mid-request never complete.
	_, err := s.db.Exec(`DELETE FROM idempotency_keys WHERE response_status = ?`, pendingStatus)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// StoredResponse represents a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

func (s *SQLiteStore) LookupIdempotency(ctx context.Context, signer, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE signer = ? AND idempotency_key = ?`
	row := s.db.QueryRowContext(ctx, query, signer, key)
	var status int
	var body []byte
	var storedHash string
	err := row.Scan(&status, &body, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

// ReserveIdempotency claims key for a request about to run. A nil response
// means the caller owns the key and must either save or release it. A key
// with a stored response returns that response for replay.
func (s *SQLiteStore) ReserveIdempotency(ctx context.Context, signer, key, requestHash string) (*StoredResponse, error) {
	const stmt = `INSERT INTO idempotency_keys(signer, idempotency_key, request_hash, response_status, response_body, created_at)
        VALUES (?, ?, ?, ?, x'', ?) ON CONFLICT(signer, idempotency_key) DO NOTHING`
	res, err := s.db.ExecContext(ctx, stmt, signer, key, requestHash, pendingStatus, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 1 {
		return nil, nil
	}
	cached, err := s.LookupIdempotency(ctx, signer, key, requestHash)
	if err != nil {
		return nil, err
	}
	if cached == nil || cached.Status == pendingStatus {
		return nil, ErrIdempotencyInFlight
	}
	return cached, nil
}

// ReleaseIdempotency drops a reservation that did not produce a response.
func (s *SQLiteStore) ReleaseIdempotency(ctx context.Context, signer, key string) error {
	const stmt = `DELETE FROM idempotency_keys WHERE signer = ? AND idempotency_key = ? AND response_status = ?`
	_, err := s.db.ExecContext(ctx, stmt, signer, key, pendingStatus)
	return err
}

func (s *SQLiteStore) SaveIdempotency(ctx context.Context, signer, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(signer, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, signer, key, requestHash, status, body, time.Now().UTC())
	return err
}

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	RequestID      string
	Signer         string
	Method         string
	Path           string
	RequestBody    []byte
	ResponseStatus int
	ResponseBody   []byte
	Timestamp      time.Time
}

func (s *SQLiteStore) InsertAuditLog(ctx context.Context, entry AuditEntry) error {
	const stmt = `INSERT INTO audit_log(request_id, signer, method, path, request_body, response_status, response_body, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, entry.RequestID, entry.Signer, entry.Method, entry.Path, entry.RequestBody, entry.ResponseStatus, entry.ResponseBody, entry.Timestamp)
	return err
}

// CountAudit returns the number of audit rows recorded for requestID.
func (s *SQLiteStore) CountAudit(ctx context.Context, requestID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log WHERE request_id = ?`, requestID).Scan(&n)
	return n, err
}

// StoredEvent is a deal event as kept in the event log.
type StoredEvent struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	RequestID  string            `json:"requestId"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// AppendEvents writes the events of one committed transition in order.
func (s *SQLiteStore) AppendEvents(ctx context.Context, dealAddress, requestID string, evts []*types.Event) error {
	if len(evts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	const stmt = `INSERT INTO deal_events(deal_address, type, request_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`
	now := time.Now().UTC()
	for _, evt := range evts {
		if evt == nil {
			continue
		}
		payload, err := json.Marshal(evt.Attributes)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, stmt, dealAddress, evt.Type, requestID, string(payload), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListEvents returns the event log of a deal, oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, dealAddress string) ([]StoredEvent, error) {
	const query = `SELECT sequence, type, request_id, payload, created_at FROM deal_events WHERE deal_address = ? ORDER BY sequence ASC`
	rows, err := s.db.QueryContext(ctx, query, dealAddress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StoredEvent
	for rows.Next() {
		var evt StoredEvent
		var payload string
		if err := rows.Scan(&evt.Sequence, &evt.Type, &evt.RequestID, &payload, &evt.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &evt.Attributes); err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// hashRequest fingerprints a request for idempotency checks.
func hashRequest(method, path string, body []byte) string {
	h := blake3.New(32, nil)
	_, _ = h.Write([]byte(method))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(path))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
