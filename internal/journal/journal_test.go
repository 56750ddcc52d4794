package journal

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gestured/internal/fsm"
	"gestured/internal/pointer"
	"gestured/internal/posture"
)

func openJournal(t *testing.T, opts Options) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "nested", "journal.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestOpenMigrates(t *testing.T) {
	j := openJournal(t, Options{})

	v, err := SchemaVersion(j.db)
	require.NoError(t, err)
	assert.Equal(t, LatestVersion(), v)
	assert.NoError(t, j.Ping(context.Background()))
}

func TestMigrateIsIdempotentAndReversible(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, MigrateDB(db))
	require.NoError(t, MigrateDB(db))

	require.NoError(t, RollbackMigration(db))
	v, err := SchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, LatestVersion()-1, v)

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='dropped'").Scan(&n))
	assert.Zero(t, n)

	require.NoError(t, MigrateDB(db))
	v, err = SchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, LatestVersion(), v)
}

func TestMigrateRejectsNewerSchema(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, MigrateDB(db))
	_, err = db.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, 0)", LatestVersion()+1)
	require.NoError(t, err)
	assert.ErrorContains(t, MigrateDB(db), "newer than supported")
}

func TestJournalRecordsBatchesAndAnomalies(t *testing.T) {
	j := openJournal(t, Options{})
	ctx := context.Background()
	now := time.Now()

	click := pointer.Click(pointer.ButtonLeft)
	j.Observe(fsm.Event{Kind: fsm.EventBatch, At: now, Seq: 3, Gesture: posture.Track, Actions: click, Delivered: 2, Latency: 1500 * time.Microsecond})
	j.Observe(fsm.Event{Kind: fsm.EventAnomaly, At: now, Seq: 4, Gesture: posture.Track, Previous: posture.Quit,
		Err: fmt.Errorf("%w: track after quit", fsm.ErrUnexpectedTransition)})
	j.Observe(fsm.Event{Kind: fsm.EventAnomaly, At: now, Seq: 5, Gesture: posture.Right, Actions: click, Delivered: 1,
		Err: fmt.Errorf("%w: 1 of 2", fsm.ErrShortDelivery)})
	j.Observe(fsm.Event{Kind: fsm.EventDropped, At: now, Gesture: posture.Left})
	// Not journaled.
	j.Observe(fsm.Event{Kind: fsm.EventTransition, At: now, Seq: 6, Gesture: posture.Zoom})
	j.Observe(fsm.Event{Kind: fsm.EventTimer, At: now, Timer: fsm.TimerOutcome("armed")})

	require.NoError(t, j.Flush(ctx))

	stats, err := j.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Batches: 1, Actions: 2, Anomalies: 2, Dropped: 1}, stats)

	batches, err := j.RecentBatches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, uint64(3), batches[0].Seq)
	assert.Equal(t, posture.Track, batches[0].Gesture)
	assert.Equal(t, click, batches[0].Actions)
	assert.Equal(t, 2, batches[0].Delivered)
	assert.Equal(t, 1500*time.Microsecond, batches[0].Latency)
	assert.Equal(t, now.UnixNano(), batches[0].At.UnixNano())

	all, err := j.RecentAnomalies(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, KindShortDelivery, all[0].Kind, "newest first")
	assert.Equal(t, KindUnexpectedTransition, all[1].Kind)
	assert.Equal(t, posture.Quit, all[1].Previous)
	assert.Contains(t, all[1].Detail, "track after quit")

	short, err := j.RecentAnomalies(ctx, KindShortDelivery, 10)
	require.NoError(t, err)
	require.Len(t, short, 1)
	assert.Equal(t, uint64(5), short[0].Seq)
}

func TestAnomalyKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("x: %w", fsm.ErrUnexpectedTransition), KindUnexpectedTransition},
		{fmt.Errorf("x: %w", fsm.ErrShortDelivery), KindShortDelivery},
		{fmt.Errorf("x: %w", fsm.ErrHandlerFailed), KindHandlerFailed},
		{fmt.Errorf("other"), KindOther},
		{nil, KindOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, anomalyKind(tt.err))
	}
}

func TestCommitsWithoutFlush(t *testing.T) {
	j := openJournal(t, Options{FlushInterval: 10 * time.Millisecond})
	j.Observe(fsm.Event{Kind: fsm.EventDropped, At: time.Now(), Gesture: posture.Right})

	require.Eventually(t, func() bool {
		s, err := j.Stats(context.Background())
		return err == nil && s.Dropped == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCloseDrainsQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path, Options{FlushInterval: time.Hour, BatchSize: 1000})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		j.Observe(fsm.Event{Kind: fsm.EventDropped, At: time.Now(), Gesture: posture.Left})
	}
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	// Observing after close is a no-op.
	j.Observe(fsm.Event{Kind: fsm.EventDropped, At: time.Now(), Gesture: posture.Left})
	assert.ErrorIs(t, j.Flush(context.Background()), ErrClosed)
	assert.ErrorIs(t, j.Ping(context.Background()), ErrClosed)

	reopened, err := Open(path, Options{})
	require.NoError(t, err)
	defer reopened.Close()
	s, err := reopened.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(20), s.Dropped)
}

func TestFullBufferDiscards(t *testing.T) {
	j := openJournal(t, Options{Buffer: 1, FlushInterval: time.Hour, BatchSize: 1000})

	for i := 0; i < 500; i++ {
		j.Observe(fsm.Event{Kind: fsm.EventDropped, At: time.Now(), Gesture: posture.Left})
	}
	require.NoError(t, j.Flush(context.Background()))

	s, err := j.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(500), s.Dropped+int64(s.Discarded))
}

func TestPrune(t *testing.T) {
	j := openJournal(t, Options{})
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	j.Observe(fsm.Event{Kind: fsm.EventDropped, At: old, Gesture: posture.Left})
	j.Observe(fsm.Event{Kind: fsm.EventBatch, At: old, Gesture: posture.Track, Actions: []pointer.Action{pointer.MoveTo(pointer.Point{X: 1, Y: 1})}, Delivered: 1})
	j.Observe(fsm.Event{Kind: fsm.EventDropped, At: time.Now(), Gesture: posture.Right})
	require.NoError(t, j.Flush(ctx))

	n, err := j.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	s, err := j.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), s.Batches)
	assert.Equal(t, int64(1), s.Dropped)
}

func TestJournalObservesMachine(t *testing.T) {
	j := openJournal(t, Options{})
	rec := pointer.NewRecorder()

	m, err := fsm.New(fsm.Options{Injector: rec, Observer: j, ClickInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	go m.Run(context.Background())
	t.Cleanup(func() { m.Close() })

	m.SetCursor(5, 5)
	require.True(t, m.Submit(posture.Track))
	require.Eventually(t, func() bool { return len(rec.Batches()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, j.Flush(context.Background()))
	batches, err := j.RecentBatches(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, rec.Batches()[0], batches[0].Actions)
}
