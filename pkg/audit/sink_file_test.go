package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSinkWritesOneCanonicalLinePerEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := NewFileSink(path)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	e1 := testEvent()
	e2 := testEvent()
	e2.EventID = "ev-2"
	e2.EventType = "claim.created"
	e2.Resource = Resource{ResourceType: "CLAIM", ResourceID: "claim-1"}

	require.NoError(t, sink.Emit(context.Background(), e1))
	require.NoError(t, sink.Emit(context.Background(), e2))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(string(raw), "\n"), "file must end with newline")

	scanner := bufio.NewScanner(strings.NewReader(string(raw)))
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 2)

	// Each line is standalone canonical JSON with sorted keys.
	for _, line := range lines {
		var decoded map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &decoded))
		assert.Contains(t, decoded, "event_id")
		assert.Contains(t, decoded, "event_type")
	}
	assert.Contains(t, lines[0], `"deal.created"`)
	assert.Contains(t, lines[1], `"claim.created"`)
	assert.True(t, strings.Index(lines[0], `"actor"`) < strings.Index(lines[0], `"event_id"`),
		"keys sorted lexicographically")
}

func TestFileSinkAppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	sink, err := NewFileSink(path)
	require.NoError(t, err)
	require.NoError(t, sink.Emit(context.Background(), testEvent()))
	require.NoError(t, sink.Close())

	sink, err = NewFileSink(path)
	require.NoError(t, err)
	e := testEvent()
	e.EventID = "ev-2"
	require.NoError(t, sink.Emit(context.Background(), e))
	require.NoError(t, sink.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(raw), "\n"), "reopen must append, not truncate")
}

func TestMultiSinkFailsOnFirstError(t *testing.T) {
	good := NewMemorySink()
	bad := NewMemorySink()
	bad.FailWith = assert.AnError

	multi := NewMultiSink(good, bad)
	err := multi.Emit(context.Background(), testEvent())
	assert.Error(t, err)
	assert.Len(t, good.Events(), 1, "earlier sinks already wrote")
}

func TestExporterDeterministicChecksum(t *testing.T) {
	sink := NewMemorySink()
	require.NoError(t, sink.Emit(context.Background(), testEvent()))

	exp := NewExporter(sinkQuerier{sink}).WithClock(fixedClock)
	from := fixedClock().Add(-time.Hour)
	to := fixedClock().Add(time.Hour)

	p1, err := exp.Export(context.Background(), "tenant-a", from, to)
	require.NoError(t, err)
	p2, err := exp.Export(context.Background(), "tenant-a", from, to)
	require.NoError(t, err)

	assert.Equal(t, p1.Checksum, p2.Checksum)
	assert.Equal(t, 1, p1.EventCount)
	assert.True(t, strings.HasPrefix(string(p1.Archive), "PK"), "zip output")
}

// sinkQuerier adapts MemorySink to the Querier interface for tests.
type sinkQuerier struct{ sink *MemorySink }

func (q sinkQuerier) Query(_ context.Context, tenantID string, from, to time.Time) ([]*Event, error) {
	var out []*Event
	for _, e := range q.sink.Events() {
		if e.TenantID == tenantID && !e.OccurredAt.Before(from) && e.OccurredAt.Before(to) {
			out = append(out, e)
		}
	}
	return out, nil
}
