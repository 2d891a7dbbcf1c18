package verify

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronicle/internal/audit"
	"chronicle/internal/audit/store/memory"
)

func TestSchedulerPublishesReports(t *testing.T) {
	store := memory.NewStore()
	seedLedger(t, store, 3)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewScheduler(New(store), 5*time.Millisecond, time.Hour, logger)

	reports := make(chan Report, 1)
	s.OnReport(func(r Report) {
		select {
		case reports <- r:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()

	select {
	case r := <-reports:
		assert.True(t, r.Valid)
		assert.Equal(t, 3, r.Entries)
	case <-time.After(2 * time.Second):
		t.Fatal("no report before deadline")
	}

	cancel()
	<-done

	last := s.LastReport()
	require.NotNil(t, last)
	assert.True(t, last.Valid)
}

func TestSchedulerReportsViolation(t *testing.T) {
	store := memory.NewStore()
	seedLedger(t, store, 4)
	require.True(t, store.Tamper(2, func(e *audit.Entry) {
		e.Action = "delete"
	}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewScheduler(New(store), 5*time.Millisecond, time.Hour, logger)

	reports := make(chan Report, 1)
	s.OnReport(func(r Report) {
		select {
		case reports <- r:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	select {
	case r := <-reports:
		assert.False(t, r.Valid)
		assert.Equal(t, 3, r.Invalid)
	case <-time.After(2 * time.Second):
		t.Fatal("no report before deadline")
	}
}
