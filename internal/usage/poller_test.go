package usage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"entregas/internal/kv"
)

func TestPoller_PollSumsSources(t *testing.T) {
	p := NewPoller(Config{Interval: time.Hour, QuotaMB: 50}, nil,
		SourceFunc(func() (int64, error) { return 3 * bytesPerMB, nil }),
		SourceFunc(func() (int64, error) { return bytesPerMB / 2, nil }),
	)
	fixed := time.Date(2024, 6, 19, 15, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	snap := p.Poll(context.Background())

	if snap.UsedBytes != 3*bytesPerMB+bytesPerMB/2 {
		t.Errorf("UsedBytes = %d", snap.UsedBytes)
	}
	if snap.UsedMB != "3.50" {
		t.Errorf("UsedMB = %s, want 3.50", snap.UsedMB)
	}
	if snap.Percent != "7.0" {
		t.Errorf("Percent = %s, want 7.0", snap.Percent)
	}
	if !snap.CheckedAt.Equal(fixed) {
		t.Errorf("CheckedAt = %v, want %v", snap.CheckedAt, fixed)
	}
	if p.Latest() != snap {
		t.Error("Latest() should return the last poll")
	}
}

func TestPoller_FailingSourceCountsAsZero(t *testing.T) {
	p := NewPoller(Config{QuotaMB: 0}, nil,
		SourceFunc(func() (int64, error) { return 0, errors.New("disk gone") }),
		SourceFunc(func() (int64, error) { return 2048, nil }),
	)

	snap := p.Poll(context.Background())

	if snap.UsedBytes != 2048 {
		t.Errorf("UsedBytes = %d, want 2048", snap.UsedBytes)
	}
	if snap.Percent != "0.0" {
		t.Errorf("Percent = %s, want 0.0 without a quota", snap.Percent)
	}
}

func TestPoller_WithFileStore(t *testing.T) {
	store, err := kv.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if err := store.Set(context.Background(), "entregasv3-backup", []byte(`[{"id":1}]`)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	p := NewPoller(Config{QuotaMB: 50}, nil, store)
	if got := p.Poll(context.Background()).UsedBytes; got != int64(len(`[{"id":1}]`)) {
		t.Errorf("UsedBytes = %d, want %d", got, len(`[{"id":1}]`))
	}
}

func TestPoller_StartStop(t *testing.T) {
	var calls atomic.Int64
	p := NewPoller(Config{Interval: 10 * time.Millisecond}, nil,
		SourceFunc(func() (int64, error) { calls.Add(1); return 1, nil }),
	)

	if p.IsRunning() {
		t.Fatal("poller should not be running initially")
	}

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := p.Start(ctx); err == nil {
		t.Error("second Start() should fail")
	}
	if p.Latest().CheckedAt.IsZero() {
		t.Error("Start() should take a first measurement")
	}

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if calls.Load() < 3 {
		t.Errorf("expected at least 3 polls, got %d", calls.Load())
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if p.IsRunning() {
		t.Error("poller should not be running after Stop")
	}
	if err := p.Stop(stopCtx); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestPoller_StopsWhenContextCancelled(t *testing.T) {
	p := NewPoller(Config{Interval: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()

	select {
	case <-p.doneCh:
	case <-time.After(time.Second):
		t.Fatal("loop did not exit after context cancellation")
	}
}
