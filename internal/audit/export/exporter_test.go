package export

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronicle/internal/audit"
	"chronicle/internal/audit/chain"
	"chronicle/internal/audit/store/memory"
)

type captureSink struct {
	mu      sync.Mutex
	batches [][][]byte
	fail    error
}

func (s *captureSink) Write(_ context.Context, records [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.batches = append(s.batches, records)
	return nil
}

func (s *captureSink) records() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]byte
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seed(t *testing.T, store *memory.Store, n int, tags ...string) {
	t.Helper()
	w := chain.NewWriter(store)
	for i := 0; i < n; i++ {
		_, err := w.Append(context.Background(), audit.Record{
			EventType:      "phi.accessed",
			ActorID:        "clinician-3",
			ResourceType:   "patient_record",
			ResourceID:     "pat-9",
			Action:         "read",
			Result:         audit.ResultSuccess,
			ComplianceTags: tags,
		})
		require.NoError(t, err)
	}
}

func TestExportBatchCarriesFullEntries(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, 3, audit.TagHIPAA)
	sink := &captureSink{}
	x := New("siem", store, sink, NewMemoryCheckpointStore(), 100, testLogger())

	n, cursor, err := x.ExportBatch(context.Background(), []string{audit.TagHIPAA})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(3), cursor)

	records := sink.records()
	require.Len(t, records, 3)
	var first audit.Entry
	require.NoError(t, json.Unmarshal(records[0], &first))
	assert.Equal(t, chain.Genesis, first.PreviousHash)
	assert.NotEmpty(t, first.Hash, "receivers verify the chain, both hashes must travel")
	assert.Equal(t, "clinician-3", first.ActorID)
}

func TestExportBatchFiltersByTag(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, 2, audit.TagHIPAA)
	seed(t, store, 3, audit.TagGDPR)
	sink := &captureSink{}
	x := New("siem", store, sink, NewMemoryCheckpointStore(), 100, testLogger())

	n, _, err := x.ExportBatch(context.Background(), []string{audit.TagGDPR})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestExportResumesFromCheckpointWithoutGapsOrResends(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, 5, audit.TagSOC2)
	sink := &captureSink{}
	checkpoints := NewMemoryCheckpointStore()
	ctx := context.Background()

	x := New("siem", store, sink, checkpoints, 2, testLogger())
	n, cursor, err := x.ExportBatch(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(2), cursor)

	// A new exporter instance, as after a restart, picks up at the
	// acknowledged cursor.
	x2 := New("siem", store, sink, checkpoints, 100, testLogger())
	n, cursor, err = x2.ExportBatch(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(5), cursor)

	records := sink.records()
	require.Len(t, records, 5)
	positions := make([]int64, 0, len(records))
	for _, r := range records {
		var e audit.Entry
		require.NoError(t, json.Unmarshal(r, &e))
		positions = append(positions, e.Position)
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, positions)

	n, _, err = x2.ExportBatch(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing new to export")
}

func TestExportSinkFailureLeavesCheckpointUntouched(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, 2, audit.TagSOC2)
	sink := &captureSink{fail: errors.New("broker unreachable")}
	checkpoints := NewMemoryCheckpointStore()
	x := New("siem", store, sink, checkpoints, 100, testLogger())
	ctx := context.Background()

	_, _, err := x.ExportBatch(ctx, nil)
	require.Error(t, err)
	cursor, err := checkpoints.Load(ctx, "siem")
	require.NoError(t, err)
	assert.Zero(t, cursor)

	sink.mu.Lock()
	sink.fail = nil
	sink.mu.Unlock()

	n, _, err := x.ExportBatch(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "failed batch is retried in full")
}
