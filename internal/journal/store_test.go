package journal_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/journal"
	"warden/internal/model"
)

func openJournal(t *testing.T) *journal.Store {
	t.Helper()
	ctx := context.Background()
	jnl, err := journal.Open(ctx, filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = jnl.Close() })
	require.NoError(t, journal.ApplyMigrations(ctx, jnl.DB()))
	return jnl
}

func TestMigrationsAreIdempotent(t *testing.T) {
	jnl := openJournal(t)
	require.NoError(t, journal.ApplyMigrations(context.Background(), jnl.DB()))
}

func TestRecordTransitionRoundTrip(t *testing.T) {
	jnl := openJournal(t)
	ctx := context.Background()

	from := model.Unknown()
	to := model.Recovering(model.RecoveryConnection, 2)
	require.NoError(t, jnl.RecordTransition(ctx, 4242, "Cursor", from, to))

	events, err := jnl.RecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, 4242, ev.PID)
	assert.Equal(t, journal.KindTransition, ev.Kind)
	assert.Equal(t, string(model.StatusRecovering), ev.Category)
	assert.Contains(t, ev.Detail, `"Cursor"`)
	assert.Contains(t, ev.Detail, `"recovering"`)
	assert.WithinDuration(t, time.Now().UTC(), ev.CreatedAt, time.Minute)
}

func TestRecordInterventionCarriesCategory(t *testing.T) {
	jnl := openJournal(t)
	ctx := context.Background()

	require.NoError(t, jnl.RecordIntervention(ctx, 4242, "4242:main", model.InterventionConnectionIssue))
	require.NoError(t, jnl.RecordIntervention(ctx, 4242, "4242:main", model.InterventionLimitReached))

	events, err := jnl.RecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	byDetail := map[string]journal.Event{}
	for _, ev := range events {
		byDetail[ev.Detail] = ev
	}
	conn := byDetail[string(model.InterventionConnectionIssue)]
	assert.Equal(t, string(model.CategoryError), conn.Category)
	assert.Equal(t, "4242:main", conn.WindowID)

	limit := byDetail[string(model.InterventionLimitReached)]
	assert.Equal(t, string(model.CategoryControl), limit.Category)
}

func TestRecentEventsNewestFirst(t *testing.T) {
	jnl := openJournal(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, jnl.RecordIntervention(ctx, 100+i, "w", model.InterventionGeneralError))
		time.Sleep(2 * time.Millisecond) // distinct timestamps
	}

	events, err := jnl.RecentEvents(ctx, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, 104, events[0].PID)
	assert.True(t, events[0].CreatedAt.After(events[2].CreatedAt) || events[0].CreatedAt.Equal(events[2].CreatedAt))
}

func TestPruneBefore(t *testing.T) {
	jnl := openJournal(t)
	ctx := context.Background()

	require.NoError(t, jnl.RecordIntervention(ctx, 100, "w", model.InterventionGeneralError))
	time.Sleep(2 * time.Millisecond)
	cutoff := time.Now().UTC()
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, jnl.RecordIntervention(ctx, 200, "w", model.InterventionGeneralError))

	pruned, err := jnl.PruneBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pruned)

	events, err := jnl.RecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 200, events[0].PID)
}

func TestEventKindIsConstrained(t *testing.T) {
	jnl := openJournal(t)
	_, err := jnl.DB().ExecContext(context.Background(), `
INSERT INTO events(event_id, pid, window_id, kind, category, detail, created_at)
VALUES ('x', 1, '', 'bogus', '', '', '2026-01-01T00:00:00Z')`)
	assert.Error(t, err, "schema must reject unknown event kinds")
}
