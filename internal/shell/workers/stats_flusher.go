// Package workers contains the data server's background workers.
package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/typekcz/loradataserver/internal/core/domain"
	"github.com/typekcz/loradataserver/internal/core/stats"
)

// StatsSink persists one stats row per device.
type StatsSink interface {
	InsertStats(ctx context.Context, devEUI string, at time.Time, c stats.Counters) error
}

// StatsFlusherConfig configures the stats flusher worker.
type StatsFlusherConfig struct {
	// FlushTimeout bounds one flush, including the final one on Stop.
	// Default: 30 seconds.
	FlushTimeout time.Duration
}

// DefaultStatsFlusherConfig returns the default configuration.
func DefaultStatsFlusherConfig() StatsFlusherConfig {
	return StatsFlusherConfig{
		FlushTimeout: 30 * time.Second,
	}
}

// StatsFlusher writes the aggregated device counters to the sink at every
// wall-clock hour boundary and once more on Stop.
type StatsFlusher struct {
	aggregator *stats.Aggregator
	sink       StatsSink
	config     StatsFlusherConfig
	logger     *slog.Logger
	now        func() time.Time

	// flushMu serializes flushes and guards carry.
	flushMu sync.Mutex
	// carry holds counters whose row failed in the previous flush. They get
	// one more attempt and are dropped if that fails too.
	carry map[string]stats.Counters

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStatsFlusher creates a new stats flusher worker.
func NewStatsFlusher(aggregator *stats.Aggregator, sink StatsSink, config StatsFlusherConfig, logger *slog.Logger) *StatsFlusher {
	if config.FlushTimeout == 0 {
		config.FlushTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StatsFlusher{
		aggregator: aggregator,
		sink:       sink,
		config:     config,
		logger:     logger.With("component", "stats_flusher"),
		now:        time.Now,
	}
}

// Start arms the hourly flush timer.
func (f *StatsFlusher) Start() {
	f.ctx, f.cancel = context.WithCancel(context.Background())

	f.wg.Add(1)
	go f.run()

	f.logger.Info("stats flusher started", "next_flush", stats.NextHour(f.now()))
}

// Stop disarms the timer and performs a final flush.
func (f *StatsFlusher) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), f.config.FlushTimeout)
	defer cancel()
	n, err := f.Flush(ctx)
	if err != nil {
		f.logger.Error("final stats flush failed", "rows", n, "error", err)
	}
	f.logger.Info("stats flusher stopped", "final_rows", n)
}

// run re-arms the timer for the next hour boundary after every firing.
func (f *StatsFlusher) run() {
	defer f.wg.Done()

	for {
		wait := stats.NextHour(f.now()).Sub(f.now())
		timer := time.NewTimer(wait)

		select {
		case <-f.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			f.flushOnce()
		}
	}
}

func (f *StatsFlusher) flushOnce() {
	ctx, cancel := context.WithTimeout(f.ctx, f.config.FlushTimeout)
	defer cancel()

	n, err := f.Flush(ctx)
	if err != nil {
		f.logger.Error("stats flush failed", "rows", n, "error", err)
		return
	}
	f.logger.Debug("stats flushed", "rows", n)
}

// Flush persists the counters accumulated since the previous flush and
// returns the number of rows written. Devices with zero counters get no row.
// Devices the sink does not know are skipped. Other failed rows are retried
// once, merged into the next flush, and then dropped.
func (f *StatsFlusher) Flush(ctx context.Context) (int, error) {
	f.flushMu.Lock()
	defer f.flushMu.Unlock()

	snapshot := f.aggregator.Swap()
	retried := f.carry
	f.carry = nil
	for devEUI, c := range retried {
		snapshot[devEUI] = snapshot[devEUI].Add(c)
	}
	if len(snapshot) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	at := f.now()
	written := 0
	var errs []error
	for _, devEUI := range keys {
		c := snapshot[devEUI]
		if c.IsZero() {
			continue
		}
		err := f.sink.InsertStats(ctx, devEUI, at, c)
		switch {
		case err == nil:
			written++
		case errors.Is(err, domain.ErrNotFound):
			f.logger.Debug("skipping stats of unregistered device", "dev_eui", devEUI)
		case !retried[devEUI].IsZero():
			f.logger.Warn("dropping stats after retry", "dev_eui", devEUI, "error", err)
			errs = append(errs, fmt.Errorf("device %s: %w", devEUI, err))
		default:
			if f.carry == nil {
				f.carry = make(map[string]stats.Counters)
			}
			f.carry[devEUI] = c
			errs = append(errs, fmt.Errorf("device %s: %w", devEUI, err))
		}
	}
	return written, errors.Join(errs...)
}

// Pending returns the counters held for retry after a failed flush.
func (f *StatsFlusher) Pending(devEUI string) stats.Counters {
	f.flushMu.Lock()
	defer f.flushMu.Unlock()
	return f.carry[devEUI]
}
