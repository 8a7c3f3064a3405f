package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecorder_CountersAndLatency(t *testing.T) {
	r := NewRecorder()

	r.Record(Event{Family: FamilySearchLatency, LatencyMs: 10, AtMs: 1})
	r.Record(Event{Family: FamilySearchLatency, LatencyMs: 30, AtMs: 2})
	r.Record(Event{Family: FamilyCompactionRun, AtMs: 3})

	assert.Equal(t, int64(2), r.Counter(FamilySearchLatency))
	assert.Equal(t, int64(1), r.Counter(FamilyCompactionRun))
	assert.Equal(t, int64(0), r.Counter(FamilyIntegrityFailure))

	agg := r.Latency(FamilySearchLatency)
	assert.Equal(t, int64(2), agg.Count)
	assert.Equal(t, int64(40), agg.TotalMs)
	assert.Equal(t, int64(30), agg.MaxMs)
	assert.Equal(t, int64(30), agg.LastMs)

	assert.Zero(t, r.Latency(FamilyCompactionRun).Count, "events without latency skip the aggregate")
}

func TestRecorder_RingBufferTrims(t *testing.T) {
	r := NewRecorder(WithCapacity(3))

	for i := 0; i < 10; i++ {
		r.Record(Event{Family: FamilyContextTokens, AtMs: int64(i)})
	}

	recent := r.Recent()
	assert.Len(t, recent, 3)
	assert.Equal(t, int64(7), recent[0].AtMs, "oldest surviving event")
	assert.Equal(t, int64(9), recent[2].AtMs)
}

func TestRecorder_CapacityClamped(t *testing.T) {
	r := NewRecorder(WithCapacity(1_000_000))
	assert.Equal(t, MaxRecentEvents, r.capacity)

	r = NewRecorder(WithCapacity(0))
	assert.Equal(t, 1, r.capacity)
}

func TestRecorder_OnEventHook(t *testing.T) {
	var seen []Event
	r := NewRecorder(WithOnEvent(func(ev Event) { seen = append(seen, ev) }))

	r.Record(Event{Family: FamilySummaryCreated, SummaryID: "sum_1", AtMs: 5})

	assert.Len(t, seen, 1)
	assert.Equal(t, "sum_1", seen[0].SummaryID)
}
