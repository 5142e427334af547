package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type seqSource struct {
	mu     sync.Mutex
	prices []string
	calls  int
	failOn map[int]bool
}

func (s *seqSource) GetCurrentPrice(ctx context.Context, instrumentID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if s.failOn[i] {
		return decimal.Zero, errors.New("feed down")
	}
	return decimal.RequireFromString(s.prices[i%len(s.prices)]), nil
}

func TestSamplerCollectTakesFinalSample(t *testing.T) {
	src := &seqSource{prices: []string{"100", "101", "102", "103", "104"}}
	s := NewSampler(src, SamplerConfig{Window: 40 * time.Millisecond, Interval: 10 * time.Millisecond}, discardLogger())

	start := time.Now()
	samples, err := s.Collect(context.Background(), "BTC-USD")
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("returned after %s, before the window closed", elapsed)
	}
	// t=0, 10, 20, 30 and the final sample at 40.
	if len(samples) != 5 {
		t.Fatalf("got %d samples, want 5", len(samples))
	}
	for i := 1; i < len(samples); i++ {
		if samples[i].ObservedAt.Before(samples[i-1].ObservedAt) {
			t.Error("samples out of order")
		}
	}
}

func TestSamplerCollectSkipsFailures(t *testing.T) {
	src := &seqSource{prices: []string{"100"}, failOn: map[int]bool{0: true, 2: true}}
	s := NewSampler(src, SamplerConfig{Window: 30 * time.Millisecond, Interval: 10 * time.Millisecond}, discardLogger())

	samples, err := s.Collect(context.Background(), "BTC-USD")
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("got %d samples, want 2", len(samples))
	}
}

func TestSamplerCollectAllFailuresReturnsEmpty(t *testing.T) {
	src := &seqSource{prices: []string{"1"}, failOn: map[int]bool{0: true, 1: true, 2: true}}
	s := NewSampler(src, SamplerConfig{Window: 20 * time.Millisecond, Interval: 10 * time.Millisecond}, discardLogger())

	samples, err := s.Collect(context.Background(), "BTC-USD")
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(samples) != 0 {
		t.Fatalf("got %d samples, want 0", len(samples))
	}
}

func TestSamplerCollectCancelled(t *testing.T) {
	src := &seqSource{prices: []string{"100"}}
	s := NewSampler(src, SamplerConfig{Window: time.Second, Interval: 100 * time.Millisecond}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	samples, err := s.Collect(ctx, "BTC-USD")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(samples) != 1 {
		t.Errorf("got %d samples, want the immediate one", len(samples))
	}
}

func TestRegistryOneTaskPerPosition(t *testing.T) {
	r := NewRegistry(discardLogger())
	if r.Go("p1", func(context.Context) {}) {
		t.Fatal("Go succeeded before Start")
	}
	r.Start(context.Background())

	release := make(chan struct{})
	if !r.Go("p1", func(context.Context) { <-release }) {
		t.Fatal("first Go rejected")
	}
	if r.Go("p1", func(context.Context) {}) {
		t.Error("second task for the same position accepted")
	}
	if !r.Running("p1") || r.Len() != 1 {
		t.Errorf("Running=%v Len=%d", r.Running("p1"), r.Len())
	}
	close(release)

	deadline := time.Now().Add(time.Second)
	for r.Running("p1") && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if r.Running("p1") {
		t.Fatal("task did not finish")
	}
	if !r.Go("p1", func(context.Context) {}) {
		t.Error("Go rejected after previous task finished")
	}
}

func TestRegistryStopCancelsTasks(t *testing.T) {
	r := NewRegistry(discardLogger())
	r.Start(context.Background())

	var cancelled atomic.Int32
	for _, id := range []string{"a", "b", "c"} {
		r.Go(id, func(ctx context.Context) {
			<-ctx.Done()
			cancelled.Add(1)
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if cancelled.Load() != 3 {
		t.Errorf("cancelled = %d, want 3", cancelled.Load())
	}
	if r.Go("d", func(context.Context) {}) {
		t.Error("Go accepted after Stop")
	}
}

func TestRegistryRecoversPanics(t *testing.T) {
	r := NewRegistry(discardLogger())
	r.Start(context.Background())
	r.Go("boom", func(context.Context) { panic("bad") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d after panic", r.Len())
	}
}

func TestDedupClaimRelease(t *testing.T) {
	d := NewDedup(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	if !d.Claim("h1") {
		t.Fatal("first claim rejected")
	}
	if d.Claim("h1") {
		t.Error("duplicate claim accepted")
	}
	d.Release("h1")
	if !d.Claim("h1") {
		t.Error("claim after release rejected")
	}

	now = now.Add(2 * time.Minute)
	if !d.Claim("h1") {
		t.Error("claim after expiry rejected")
	}

	d.Claim("h2")
	now = now.Add(2 * time.Minute)
	if removed := d.Cleanup(); removed != 2 {
		t.Errorf("Cleanup removed %d, want 2", removed)
	}
	if d.Len() != 0 {
		t.Errorf("Len = %d after cleanup", d.Len())
	}
}
