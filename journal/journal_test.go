package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// exercise runs the behavior every backend must share.
func exercise(t *testing.T, j Journal) {
	t.Helper()
	ctx := context.Background()

	head, err := j.Head(ctx, "prices")
	require.NoError(t, err)
	require.Zero(t, head, "empty topic has head 0")

	events, err := j.After(ctx, "prices", 0, 0)
	require.NoError(t, err)
	require.Empty(t, events)

	ev1, err := j.Append(ctx, "prices", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	require.Equal(t, uint64(1), ev1.Sequence)

	ev2, err := j.Append(ctx, "prices", json.RawMessage(`{"n":2}`))
	require.NoError(t, err)
	require.Equal(t, uint64(2), ev2.Sequence, "sequences are dense per topic")

	other, err := j.Append(ctx, "trades", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	require.Equal(t, uint64(1), other.Sequence, "topics sequence independently")

	head, err = j.Head(ctx, "prices")
	require.NoError(t, err)
	require.Equal(t, uint64(2), head)

	events, err = j.After(ctx, "prices", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, uint64(1), events[0].Sequence)
	require.Equal(t, uint64(2), events[1].Sequence)
	require.JSONEq(t, `{"n":2}`, string(events[1].Payload))

	events, err = j.After(ctx, "prices", 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, uint64(2), events[0].Sequence, "after is exclusive")

	events, err = j.After(ctx, "prices", 2, 0)
	require.NoError(t, err)
	require.Empty(t, events, "cursor at head yields nothing")

	events, err = j.After(ctx, "prices", 0, 1)
	require.NoError(t, err)
	require.Len(t, events, 1, "limit caps the page")
}

func TestMemoryJournal(t *testing.T) {
	j := NewMemoryJournal()
	defer j.Close()
	exercise(t, j)
}

func TestMemoryJournalCopiesPayload(t *testing.T) {
	j := NewMemoryJournal()
	defer j.Close()

	payload := json.RawMessage(`{"n":1}`)
	_, err := j.Append(context.Background(), "prices", payload)
	require.NoError(t, err)

	payload[1] = 'x' // caller mutates its buffer after Append

	events, err := j.After(context.Background(), "prices", 0, 0)
	require.NoError(t, err)
	require.JSONEq(t, `{"n":1}`, string(events[0].Payload))
}

func TestSQLiteJournal(t *testing.T) {
	j, err := NewSQLiteJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()
	exercise(t, j)
}

func TestSQLiteJournalSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := NewSQLiteJournal(path)
	require.NoError(t, err)
	_, err = j.Append(context.Background(), "prices", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j, err = NewSQLiteJournal(path)
	require.NoError(t, err)
	defer j.Close()

	head, err := j.Head(context.Background(), "prices")
	require.NoError(t, err)
	require.Equal(t, uint64(1), head)

	ev, err := j.Append(context.Background(), "prices", json.RawMessage(`{"n":2}`))
	require.NoError(t, err)
	require.Equal(t, uint64(2), ev.Sequence, "sequence authority persists across restarts")
}

func TestRedisJournal(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379"
	}
	j, err := NewRedisJournal(url)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer j.Close()

	// Unique topic names keep reruns against a shared instance clean.
	suffix := fmt.Sprintf("-%d", os.Getpid())
	ctx := context.Background()

	ev, err := j.Append(ctx, "journal-test"+suffix, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	require.NotZero(t, ev.Sequence)

	ev2, err := j.Append(ctx, "journal-test"+suffix, json.RawMessage(`{"n":2}`))
	require.NoError(t, err)
	require.Equal(t, ev.Sequence+1, ev2.Sequence, "sequences stay dense")

	events, err := j.After(ctx, "journal-test"+suffix, ev.Sequence-1, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, ev.Sequence, events[0].Sequence)
	require.JSONEq(t, `{"n":1}`, string(events[0].Payload))
	require.JSONEq(t, `{"n":2}`, string(events[1].Payload))

	head, err := j.Head(ctx, "journal-test"+suffix)
	require.NoError(t, err)
	require.Equal(t, ev2.Sequence, head)
}

func TestMongoJournal(t *testing.T) {
	url := os.Getenv("MONGO_URL")
	if url == "" {
		url = "mongodb://localhost:27017/livefeed_test"
	}
	j, err := NewMongoJournal(url)
	if err != nil {
		t.Skipf("MongoDB not available: %v", err)
	}
	defer j.Close()

	suffix := fmt.Sprintf("-%d", os.Getpid())
	ctx := context.Background()

	ev, err := j.Append(ctx, "journal-test"+suffix, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	require.NotZero(t, ev.Sequence)

	ev2, err := j.Append(ctx, "journal-test"+suffix, json.RawMessage(`{"n":2}`))
	require.NoError(t, err)
	require.Equal(t, ev.Sequence+1, ev2.Sequence, "sequences stay dense")

	head, err := j.Head(ctx, "journal-test"+suffix)
	require.NoError(t, err)
	require.Equal(t, ev2.Sequence, head)
}

func TestCreateJournalSelectsBackend(t *testing.T) {
	j, err := CreateJournal("memory://")
	require.NoError(t, err)
	require.IsType(t, &MemoryJournal{}, j)
	j.Close()

	path := filepath.Join(t.TempDir(), "j.db")
	j, err = CreateJournal(path)
	require.NoError(t, err)
	require.IsType(t, &SQLiteJournal{}, j)
	j.Close()

	_, err = CreateJournal("ftp://nope")
	require.Error(t, err)
}

func TestClampLimit(t *testing.T) {
	require.Equal(t, DefaultLimit, clampLimit(0))
	require.Equal(t, DefaultLimit, clampLimit(-5))
	require.Equal(t, 10, clampLimit(10))
	require.Equal(t, 1000, clampLimit(5000))
}
