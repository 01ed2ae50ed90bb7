package events

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu     sync.Mutex
	levels []string
	codes  []string
	fields []map[string]any
}

func (r *recordingObserver) Event(level, code string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels = append(r.levels, level)
	r.codes = append(r.codes, code)
	r.fields = append(r.fields, fields)
}

type recordingAnalytics struct {
	mu      sync.Mutex
	tables  []string
	records []map[string]any
	err     error
}

func (r *recordingAnalytics) Append(_ context.Context, table string, record map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables = append(r.tables, table)
	r.records = append(r.records, record)
	return r.err
}

func TestLogObserverHandlesAllLevels(t *testing.T) {
	obs := NewLogObserver(zerolog.Nop())

	// Must not panic for any level or nil fields
	for _, level := range []string{LevelDebug, LevelInfo, LevelWarn, LevelError, "unknown"} {
		obs.Event(level, CodeCostAlert, nil)
	}
	obs.Event(LevelInfo, CodeCycleCompleted, map[string]any{"cycle_count": 3})
}

func TestAnalyticsObserverAppendsRecord(t *testing.T) {
	sink := &recordingAnalytics{}
	obs := NewAnalyticsObserver(sink, zerolog.Nop())

	obs.Event(LevelWarn, CodeCostAlert, map[string]any{"threshold_usd": 5.0})

	require.Len(t, sink.records, 1)
	assert.Equal(t, "events", sink.tables[0])
	assert.Equal(t, LevelWarn, sink.records[0]["level"])
	assert.Equal(t, CodeCostAlert, sink.records[0]["code"])
	assert.Equal(t, 5.0, sink.records[0]["threshold_usd"])
	assert.Contains(t, sink.records[0], "timestamp")
}

func TestAnalyticsObserverSwallowsErrors(t *testing.T) {
	sink := &recordingAnalytics{err: assert.AnError}
	obs := NewAnalyticsObserver(sink, zerolog.Nop())

	// Never panics, never surfaces the error
	obs.Event(LevelError, CodeEmergencyStop, nil)
	assert.Len(t, sink.records, 1)
}

func TestMultiObserverFansOut(t *testing.T) {
	a := &recordingObserver{}
	b := &recordingObserver{}
	multi := NewMultiObserver(a, b)

	multi.Event(LevelInfo, CodeDecisionMade, map[string]any{"kind": "HOLD"})

	require.Len(t, a.codes, 1)
	require.Len(t, b.codes, 1)
	assert.Equal(t, CodeDecisionMade, a.codes[0])
	assert.Equal(t, CodeDecisionMade, b.codes[0])
}
