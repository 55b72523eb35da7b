// Package store implements the Bounded Store: a single-file SQLite database
// holding the most recent events up to a configured capacity, with FIFO
// eviction once every insertBatchSize inserts.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vnidsd/vnidsd/iox"
	"github.com/vnidsd/vnidsd/metrics"
	"github.com/vnidsd/vnidsd/types"
)

const (
	insertBatchSize = 1000
	defaultCap      = 100000
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	ordinal     INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL,
	ts_sec      INTEGER NOT NULL,
	ts_usec     INTEGER NOT NULL,
	kind        INTEGER NOT NULL,
	severity    INTEGER NOT NULL,
	protocol    INTEGER NOT NULL,
	src_addr    TEXT NOT NULL,
	src_port    INTEGER NOT NULL,
	dst_addr    TEXT NOT NULL,
	dst_port    INTEGER NOT NULL,
	signature_id INTEGER NOT NULL,
	group_id     INTEGER NOT NULL,
	message     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts_sec DESC);
CREATE INDEX IF NOT EXISTS idx_events_severity ON events(severity);
CREATE INDEX IF NOT EXISTS idx_events_sig ON events(signature_id);
`

// Store is a bounded, SQLite-backed event log. Reads and writes are
// serialized through a single mutex: the detection pipeline is not
// write-heavy enough to need finer-grained locking, and SQLite itself
// serializes writers regardless.
type Store struct {
	mu  sync.Mutex
	db  *sql.DB
	cap int
	met *metrics.Collector

	sinceBatch int

	stmtInsert       *sql.Stmt
	stmtRecent       *sql.Stmt
	stmtByOrdinal    *sql.Stmt
	stmtCount        *sql.Stmt
	stmtDeleteOldest *sql.Stmt
}

// Open opens (creating if absent) the SQLite database at path in WAL mode
// and prepares the store's statement set. cap is the maximum number of
// rows retained; eviction happens in batches, so the row count can briefly
// exceed cap by up to insertBatchSize.
func Open(path string, cap int) (*Store, error) {
	if cap <= 0 {
		cap = defaultCap
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	s := &Store{db: db, cap: cap}
	if err := s.prepare(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) prepare() error {
	var err error
	if s.stmtInsert, err = s.db.Prepare(`
		INSERT INTO events (id, ts_sec, ts_usec, kind, severity, protocol, src_addr, src_port, dst_addr, dst_port, signature_id, group_id, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`); err != nil {
		return fmt.Errorf("store: prepare insert: %w", err)
	}
	if s.stmtRecent, err = s.db.Prepare(`
		SELECT ordinal, id, ts_sec, ts_usec, kind, severity, protocol, src_addr, src_port, dst_addr, dst_port, signature_id, group_id, message
		FROM events ORDER BY ts_sec DESC, ts_usec DESC, ordinal DESC LIMIT ?
	`); err != nil {
		return fmt.Errorf("store: prepare select-recent: %w", err)
	}
	if s.stmtByOrdinal, err = s.db.Prepare(`
		SELECT ordinal, id, ts_sec, ts_usec, kind, severity, protocol, src_addr, src_port, dst_addr, dst_port, signature_id, group_id, message
		FROM events WHERE ordinal = ?
	`); err != nil {
		return fmt.Errorf("store: prepare select-by-ordinal: %w", err)
	}
	if s.stmtCount, err = s.db.Prepare(`SELECT COUNT(*) FROM events`); err != nil {
		return fmt.Errorf("store: prepare count: %w", err)
	}
	if s.stmtDeleteOldest, err = s.db.Prepare(`
		DELETE FROM events WHERE ordinal IN (
			SELECT ordinal FROM events ORDER BY ordinal ASC LIMIT ?
		)
	`); err != nil {
		return fmt.Errorf("store: prepare delete-oldest: %w", err)
	}
	return nil
}

// Insert appends an event. Once every insertBatchSize inserts it checks the
// row count and, if it exceeds cap, evicts the oldest
// count-cap+insertBatchSize rows.
func (s *Store) Insert(event types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.stmtInsert.Exec(
		event.ID, event.Timestamp.Sec, event.Timestamp.Usec,
		int(event.Kind), int(event.Severity), int(event.Protocol),
		event.Source.Address, event.Source.Port, event.Dest.Address, event.Dest.Port,
		event.Rule.SignatureID, event.Rule.GroupID, event.Message,
	)
	if err != nil {
		return fmt.Errorf("store: insert: %w", err)
	}

	s.sinceBatch++
	if s.sinceBatch < insertBatchSize {
		return nil
	}
	s.sinceBatch = 0
	return s.evictLocked()
}

func (s *Store) evictLocked() error {
	var count int
	if err := s.stmtCount.QueryRow().Scan(&count); err != nil {
		return fmt.Errorf("store: count: %w", err)
	}
	if count <= s.cap {
		return nil
	}
	excess := count - s.cap + insertBatchSize
	res, err := s.stmtDeleteOldest.Exec(excess)
	if err != nil {
		return fmt.Errorf("store: evict: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		s.met.AddEventsDeleted(n)
	}
	return nil
}

// QueryRecent returns up to limit events with the newest timestamps,
// ordered by timestamp descending then ordinal descending.
func (s *Store) QueryRecent(limit int) ([]types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.stmtRecent.Query(limit)
	if err != nil {
		return nil, fmt.Errorf("store: query recent: %w", err)
	}
	defer iox.DiscardClose(rows)
	return scanEvents(rows)
}

// QueryByOrdinal returns the event stored at the given row ordinal, or
// (zero, false) when no such row exists (including after eviction).
func (s *Store) QueryByOrdinal(ordinal int64) (types.Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.stmtByOrdinal.Query(ordinal)
	if err != nil {
		return types.Event{}, false, fmt.Errorf("store: query by ordinal: %w", err)
	}
	defer iox.DiscardClose(rows)
	events, err := scanEvents(rows)
	if err != nil {
		return types.Event{}, false, err
	}
	if len(events) == 0 {
		return types.Event{}, false, nil
	}
	return events[0], true, nil
}

// Count returns the current row count.
func (s *Store) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int
	if err := s.stmtCount.QueryRow().Scan(&count); err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return count, nil
}

// SetCap changes the retained-row target applied on the next batch
// eviction. It does not evict immediately.
func (s *Store) SetCap(cap int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cap = cap
}

// SetMetrics attaches a metrics.Collector that eviction batches report their
// deleted-row counts to. Optional: a Store with no collector attached still
// evicts correctly, it just has nowhere to report the count.
func (s *Store) SetMetrics(met *metrics.Collector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.met = met
}

// Close releases the prepared statements and underlying connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stmt := range []*sql.Stmt{s.stmtInsert, s.stmtRecent, s.stmtByOrdinal, s.stmtCount, s.stmtDeleteOldest} {
		if stmt != nil {
			iox.DiscardClose(stmt)
		}
	}
	return s.db.Close()
}

func scanEvents(rows *sql.Rows) ([]types.Event, error) {
	var events []types.Event
	for rows.Next() {
		var (
			ordinal                   int64
			id, srcAddr, dstAddr, msg string
			tsSec                     int64
			tsUsec                    int32
			kind, severity, protocol  int
			srcPort, dstPort          uint16
			sigID, groupID            int64
		)
		if err := rows.Scan(&ordinal, &id, &tsSec, &tsUsec, &kind, &severity, &protocol,
			&srcAddr, &srcPort, &dstAddr, &dstPort, &sigID, &groupID, &msg); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		event := types.NewEvent(
			id,
			types.Timestamp{Sec: tsSec, Usec: tsUsec},
			types.Kind(kind),
			types.Severity(severity),
			types.Protocol(protocol),
			types.Endpoint{Address: srcAddr, Port: srcPort},
			types.Endpoint{Address: dstAddr, Port: dstPort},
			types.RuleMatch{SignatureID: sigID, GroupID: groupID},
			msg,
		)
		events = append(events, event)
	}
	return events, rows.Err()
}
