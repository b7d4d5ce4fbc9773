// Package usage periodically measures how much local storage the tracker
// occupies.
package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"entregas/internal/log"
)

const bytesPerMB = 1024 * 1024

// Source reports the bytes a storage backend occupies on disk.
type Source interface {
	Usage() (int64, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func() (int64, error)

func (f SourceFunc) Usage() (int64, error) { return f() }

// Snapshot is the latest usage measurement.
type Snapshot struct {
	UsedBytes int64     `json:"usedBytes"`
	UsedMB    string    `json:"usedMB"`
	QuotaMB   int       `json:"quotaMB"`
	Percent   string    `json:"percent"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Config holds configuration for the poller
type Config struct {
	// Interval between measurements (default: 30s)
	Interval time.Duration

	// QuotaMB is the advisory storage quota reported alongside usage
	QuotaMB int
}

// Poller measures storage usage on a fixed interval. Reads of the latest
// snapshot never wait on a measurement in progress.
type Poller struct {
	sources []Source
	config  Config
	logger  *log.Logger
	now     func() time.Time

	mu     sync.RWMutex
	latest Snapshot

	// Lifecycle management
	lifeMu  sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewPoller(config Config, logger *log.Logger, sources ...Source) *Poller {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &Poller{
		sources: sources,
		config:  config,
		logger:  logger.WithComponent(log.ComponentUsage),
		now:     time.Now,
	}
}

// Start takes a first measurement and begins the polling loop. Returns an
// error if already running.
func (p *Poller) Start(ctx context.Context) error {
	p.lifeMu.Lock()
	if p.running {
		p.lifeMu.Unlock()
		return fmt.Errorf("usage poller is already running")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.lifeMu.Unlock()

	p.Poll(ctx)
	go p.runLoop(ctx)

	p.logger.InfoContext(ctx, "Usage poller started", "interval", p.config.Interval)
	return nil
}

// Stop halts the loop and waits for it to exit.
func (p *Poller) Stop(ctx context.Context) error {
	p.lifeMu.Lock()
	if !p.running {
		p.lifeMu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	doneCh := p.doneCh
	p.lifeMu.Unlock()

	select {
	case <-doneCh:
		p.logger.InfoContext(ctx, "Usage poller stopped")
		return nil
	case <-ctx.Done():
		p.logger.WarnContext(ctx, "Usage poller stop timed out")
		return ctx.Err()
	}
}

func (p *Poller) runLoop(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll measures every source once and stores the result. A failing source
// is logged and counted as zero.
func (p *Poller) Poll(ctx context.Context) Snapshot {
	var used int64
	for _, src := range p.sources {
		n, err := src.Usage()
		if err != nil {
			p.logger.WarnContext(ctx, "Failed to measure storage usage", log.FieldError, err)
			continue
		}
		used += n
	}

	snap := p.snapshot(used)
	p.mu.Lock()
	p.latest = snap
	p.mu.Unlock()

	p.logger.DebugContext(ctx, "Storage usage measured",
		log.FieldBytes, used,
		"used_mb", snap.UsedMB)
	return snap
}

func (p *Poller) snapshot(used int64) Snapshot {
	mb := decimal.NewFromInt(used).Div(decimal.NewFromInt(bytesPerMB))
	percent := decimal.Zero
	if p.config.QuotaMB > 0 {
		percent = mb.Div(decimal.NewFromInt(int64(p.config.QuotaMB))).Mul(decimal.NewFromInt(100))
	}
	return Snapshot{
		UsedBytes: used,
		UsedMB:    mb.StringFixed(2),
		QuotaMB:   p.config.QuotaMB,
		Percent:   percent.StringFixed(1),
		CheckedAt: p.now(),
	}
}

// Latest returns the most recent measurement; the zero Snapshot before the
// first poll.
func (p *Poller) Latest() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

// IsRunning reports whether the polling loop is active.
func (p *Poller) IsRunning() bool {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	return p.running
}
