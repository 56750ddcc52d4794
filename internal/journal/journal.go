// Package journal records delivered pointer batches, anomalies and dropped
// postures in a SQLite database.
//
// The journal observes the state machine. Observe never blocks: records go
// through a buffered channel to a single writer goroutine which commits
// them in small transactions. When the buffer is full the record is
// discarded and counted.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"gestured/internal/fsm"
	"gestured/internal/pointer"
	"gestured/internal/posture"
)

// ErrClosed is returned by operations on a closed journal.
var ErrClosed = errors.New("journal: closed")

// Anomaly kinds stored in the anomalies table.
const (
	KindUnexpectedTransition = "unexpected_transition"
	KindShortDelivery        = "short_delivery"
	KindHandlerFailed        = "handler_failed"
	KindOther                = "other"
)

// Options configures a Journal.
type Options struct {
	Logger *slog.Logger
	// Buffer is the number of records queued for the writer.
	Buffer int
	// FlushInterval bounds how long a record waits before being committed.
	FlushInterval time.Duration
	// BatchSize commits early once this many records are queued.
	BatchSize int
}

const (
	defaultBuffer        = 1024
	defaultFlushInterval = 250 * time.Millisecond
	defaultBatchSize     = 64
)

// Batch is a journaled pointer batch.
type Batch struct {
	ID        int64
	At        time.Time
	Seq       uint64
	Gesture   posture.Gesture
	Actions   []pointer.Action
	Delivered int
	Latency   time.Duration
}

// Anomaly is a journaled anomaly.
type Anomaly struct {
	ID       int64
	At       time.Time
	Seq      uint64
	Kind     string
	Gesture  posture.Gesture
	Previous posture.Gesture
	Detail   string
}

// Stats summarises the journal contents.
type Stats struct {
	Batches   int64 `json:"batches"`
	Actions   int64 `json:"actions"`
	Anomalies int64 `json:"anomalies"`
	Dropped   int64 `json:"dropped"`
	// Discarded counts records lost to a full buffer since Open.
	Discarded uint64 `json:"discarded"`
}

// record is one queued write. A non-nil flushed marks a flush request.
type record struct {
	ev      fsm.Event
	flushed chan error
}

// Journal is the SQLite-backed observer.
type Journal struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
	opts   Options

	queue     chan record
	closeOnce sync.Once
	done      chan struct{}
	closed    atomic.Bool
	discarded atomic.Uint64
	// sendMu orders Observe against Close so no send races the close of
	// queue.
	sendMu sync.RWMutex
}

// Open opens or creates the journal at path and runs migrations.
func Open(path string, opts Options) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal: path is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Writer and readers share one connection.
	db.SetMaxOpenConns(1)

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}

	j := &Journal{
		db:     db,
		path:   path,
		logger: opts.Logger,
		opts:   opts,
		queue:  make(chan record, opts.Buffer),
		done:   make(chan struct{}),
	}
	go j.writer()

	j.logger.Debug("journal opened", "path", path)
	return j, nil
}

// Path returns the database path.
func (j *Journal) Path() string {
	return j.path
}

// Observe implements fsm.Observer. Batches, anomalies and dropped postures
// are journaled; other events are ignored.
func (j *Journal) Observe(ev fsm.Event) {
	switch ev.Kind {
	case fsm.EventBatch, fsm.EventAnomaly, fsm.EventDropped:
	default:
		return
	}

	j.sendMu.RLock()
	defer j.sendMu.RUnlock()
	if j.closed.Load() {
		return
	}
	select {
	case j.queue <- record{ev: ev}:
	default:
		j.discarded.Add(1)
	}
}

// Flush waits until every record queued before the call is committed.
func (j *Journal) Flush(ctx context.Context) error {
	done := make(chan error, 1)

	j.sendMu.RLock()
	if j.closed.Load() {
		j.sendMu.RUnlock()
		return ErrClosed
	}
	select {
	case j.queue <- record{flushed: done}:
	case <-ctx.Done():
		j.sendMu.RUnlock()
		return ctx.Err()
	}
	j.sendMu.RUnlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains queued records and closes the database.
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		j.sendMu.Lock()
		j.closed.Store(true)
		close(j.queue)
		j.sendMu.Unlock()

		<-j.done
		err = j.db.Close()
		j.logger.Debug("journal closed", "path", j.path)
	})
	return err
}

// Ping checks the database is reachable.
func (j *Journal) Ping(ctx context.Context) error {
	if j.closed.Load() {
		return ErrClosed
	}
	return j.db.PingContext(ctx)
}

// writer commits queued records until the queue is closed.
func (j *Journal) writer() {
	defer close(j.done)

	ticker := time.NewTicker(j.opts.FlushInterval)
	defer ticker.Stop()

	pending := make([]fsm.Event, 0, j.opts.BatchSize)
	commit := func() error {
		if len(pending) == 0 {
			return nil
		}
		err := j.write(pending)
		if err != nil {
			j.logger.Error("journal write failed", "records", len(pending), "error", err)
		}
		pending = pending[:0]
		return err
	}

	for {
		select {
		case rec, ok := <-j.queue:
			if !ok {
				commit()
				return
			}
			if rec.flushed != nil {
				rec.flushed <- commit()
				continue
			}
			pending = append(pending, rec.ev)
			if len(pending) >= j.opts.BatchSize {
				commit()
			}
		case <-ticker.C:
			commit()
		}
	}
}

func (j *Journal) write(events []fsm.Event) error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, ev := range events {
		if err := insert(tx, ev); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insert(tx *sql.Tx, ev fsm.Event) error {
	at := ev.At.UnixNano()
	switch ev.Kind {
	case fsm.EventBatch:
		actions, err := json.Marshal(ev.Actions)
		if err != nil {
			return fmt.Errorf("encode actions: %w", err)
		}
		_, err = tx.Exec(`
			INSERT INTO batches (at_ns, seq, gesture, actions, requested, delivered, latency_us)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			at, int64(ev.Seq), ev.Gesture.String(), string(actions), len(ev.Actions), ev.Delivered, ev.Latency.Microseconds(),
		)
		if err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}

	case fsm.EventAnomaly:
		var detail string
		if ev.Err != nil {
			detail = ev.Err.Error()
		}
		_, err := tx.Exec(`
			INSERT INTO anomalies (at_ns, seq, kind, gesture, previous, detail)
			VALUES (?, ?, ?, ?, ?, ?)`,
			at, int64(ev.Seq), anomalyKind(ev.Err), ev.Gesture.String(), ev.Previous.String(), detail,
		)
		if err != nil {
			return fmt.Errorf("insert anomaly: %w", err)
		}

	case fsm.EventDropped:
		_, err := tx.Exec(`INSERT INTO dropped (at_ns, gesture) VALUES (?, ?)`, at, ev.Gesture.String())
		if err != nil {
			return fmt.Errorf("insert dropped: %w", err)
		}
	}
	return nil
}

func anomalyKind(err error) string {
	switch {
	case errors.Is(err, fsm.ErrUnexpectedTransition):
		return KindUnexpectedTransition
	case errors.Is(err, fsm.ErrShortDelivery):
		return KindShortDelivery
	case errors.Is(err, fsm.ErrHandlerFailed):
		return KindHandlerFailed
	default:
		return KindOther
	}
}

// RecentBatches returns up to limit batches, newest first.
func (j *Journal) RecentBatches(ctx context.Context, limit int) ([]Batch, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, at_ns, seq, gesture, actions, delivered, latency_us
		FROM batches ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		var (
			b         Batch
			atNs      int64
			seq       int64
			gesture   string
			actions   string
			latencyUs int64
		)
		if err := rows.Scan(&b.ID, &atNs, &seq, &gesture, &actions, &b.Delivered, &latencyUs); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		b.At = time.Unix(0, atNs)
		b.Seq = uint64(seq)
		b.Latency = time.Duration(latencyUs) * time.Microsecond
		if b.Gesture, err = posture.ParseGesture(gesture); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(actions), &b.Actions); err != nil {
			return nil, fmt.Errorf("decode actions: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// RecentAnomalies returns up to limit anomalies, newest first. An empty
// kind matches every kind.
func (j *Journal) RecentAnomalies(ctx context.Context, kind string, limit int) ([]Anomaly, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, at_ns, seq, kind, gesture, COALESCE(previous, ''), COALESCE(detail, '')
		FROM anomalies
		WHERE ? = '' OR kind = ?
		ORDER BY id DESC LIMIT ?`, kind, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("query anomalies: %w", err)
	}
	defer rows.Close()

	var out []Anomaly
	for rows.Next() {
		var (
			a                 Anomaly
			atNs, seq         int64
			gesture, previous string
		)
		if err := rows.Scan(&a.ID, &atNs, &seq, &a.Kind, &gesture, &previous, &a.Detail); err != nil {
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		a.At = time.Unix(0, atNs)
		a.Seq = uint64(seq)
		a.Gesture, _ = posture.ParseGesture(gesture)
		a.Previous, _ = posture.ParseGesture(previous)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Stats returns row counts.
func (j *Journal) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := j.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM batches),
			(SELECT COALESCE(SUM(requested), 0) FROM batches),
			(SELECT COUNT(*) FROM anomalies),
			(SELECT COUNT(*) FROM dropped)`).Scan(&s.Batches, &s.Actions, &s.Anomalies, &s.Dropped)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	s.Discarded = j.discarded.Load()
	return s, nil
}

// Prune deletes records older than maxAge and returns how many rows were
// removed.
func (j *Journal) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixNano()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var total int64
	for _, table := range []string{"batches", "anomalies", "dropped"} {
		res, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE at_ns < ?", cutoff)
		if err != nil {
			return 0, fmt.Errorf("prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	if total > 0 {
		j.logger.Info("journal pruned", "rows", total, "max_age", maxAge)
	}
	return total, nil
}

// RunPruner prunes records older than maxAge every interval until ctx is
// done. A non-positive maxAge disables pruning.
func (j *Journal) RunPruner(ctx context.Context, maxAge, interval time.Duration) {
	if maxAge <= 0 {
		return
	}
	prune := func() {
		if _, err := j.Prune(ctx, maxAge); err != nil && ctx.Err() == nil {
			j.logger.Warn("journal prune failed", "error", err)
		}
	}
	prune()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
