// Package ingest turns device events from the message bus into stats,
// dataset rows and receive-function runs.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/typekcz/loradataserver/internal/core/auth"
	"github.com/typekcz/loradataserver/internal/core/domain"
	"github.com/typekcz/loradataserver/internal/core/query"
	"github.com/typekcz/loradataserver/internal/core/stats"
	"github.com/typekcz/loradataserver/internal/core/topic"
	"github.com/typekcz/loradataserver/internal/shell/sandbox"
)

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("ingestor stopped")

// =============================================================================
// Collaborators
// =============================================================================

// Devices is the device registry as seen by the ingestor.
type Devices interface {
	Get(ctx context.Context, cred auth.Credential, devEUI domain.EUI) (*domain.Device, error)
	SetLocation(ctx context.Context, cred auth.Credential, devEUI domain.EUI, lat, lon float64) error
}

// Datasets is tenant dataset access as seen by the ingestor.
type Datasets interface {
	Insert(ctx context.Context, cred auth.Credential, applicationID int64, name string, row map[string]any) error
	Query(ctx context.Context, cred auth.Credential, applicationID int64, sqlText string, params ...any) (*query.Result, error)
}

// Runner executes receive functions.
type Runner interface {
	Run(ctx context.Context, in sandbox.Input, caps sandbox.Capabilities) error
}

// Deps are the ingestor's collaborators.
type Deps struct {
	Devices   Devices
	Datasets  Datasets
	Sandbox   Runner
	Downlinks *Downlinker
	Stats     *stats.Aggregator
}

// =============================================================================
// Ingestor
// =============================================================================

// Config holds ingestor settings.
type Config struct {
	// Workers is the number of goroutines processing rx messages.
	Workers int

	// QueueSize bounds the rx messages waiting for a worker. Messages
	// arriving at a full queue are dropped.
	QueueSize int
}

// DefaultConfig returns the default ingestor configuration.
func DefaultConfig() Config {
	return Config{
		Workers:   4,
		QueueSize: 1024,
	}
}

type rxMessage struct {
	event   topic.Event
	payload []byte
}

// Ingestor consumes device events. Stats are recorded on the delivery
// goroutine; rx payloads are processed by a fixed worker pool.
type Ingestor struct {
	deps   Deps
	config Config
	logger *slog.Logger

	queue chan rxMessage

	mu      sync.RWMutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an Ingestor.
func New(deps Deps, config Config, logger *slog.Logger) *Ingestor {
	defaults := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		deps:   deps,
		config: config,
		logger: logger.With("component", "ingestor"),
		queue:  make(chan rxMessage, config.QueueSize),
	}
}

// Start launches the worker pool. Calling Start twice is a no-op.
func (i *Ingestor) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stopped {
		return ErrStopped
	}
	if i.started {
		return nil
	}
	i.started = true

	ctx, i.cancel = context.WithCancel(ctx)
	for w := 0; w < i.config.Workers; w++ {
		i.wg.Add(1)
		go i.worker(ctx)
	}
	i.logger.Info("ingestor started", "workers", i.config.Workers, "queue_size", i.config.QueueSize)
	return nil
}

// Stop stops accepting messages, drains the queue and waits for the
// workers.
func (i *Ingestor) Stop() {
	i.mu.Lock()
	if i.stopped {
		i.mu.Unlock()
		return
	}
	i.stopped = true
	close(i.queue)
	started := i.started
	i.mu.Unlock()

	if started {
		i.wg.Wait()
		i.cancel()
	}
	i.logger.Info("ingestor stopped")
}

// Handle classifies one bus message. It matches bus.Handler.
func (i *Ingestor) Handle(t string, payload []byte) {
	ev, ok := topic.Parse(t)
	if !ok {
		i.logger.Debug("topic discarded", "topic", t)
		return
	}

	key := ev.DevEUI.String()
	switch ev.Kind {
	case topic.KindTx:
		i.deps.Stats.Record(key, stats.Tx)
		return
	case topic.KindAck:
		i.deps.Stats.Record(key, stats.Ack)
		return
	case topic.KindError:
		i.deps.Stats.Record(key, stats.Error)
		return
	}

	i.deps.Stats.Record(key, stats.Rx)

	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.stopped {
		return
	}
	select {
	case i.queue <- rxMessage{event: ev, payload: payload}:
	default:
		i.logger.Warn("rx queue full, message dropped", "dev_eui", key)
	}
}

func (i *Ingestor) worker(ctx context.Context) {
	defer i.wg.Done()
	for msg := range i.queue {
		if err := i.process(ctx, msg); err != nil {
			i.logger.Warn("rx processing failed",
				"dev_eui", msg.event.DevEUI.String(),
				"application_id", msg.event.ApplicationID,
				"error", err)
		}
	}
}

// process handles one rx payload. Failures are returned for logging only;
// nothing is retried.
func (i *Ingestor) process(ctx context.Context, msg rxMessage) error {
	up, err := topic.DecodeUplink(msg.payload)
	if err != nil {
		return err
	}

	dev, err := i.deps.Devices.Get(ctx, auth.System(), msg.event.DevEUI)
	if err != nil {
		return fmt.Errorf("device lookup: %w", err)
	}

	if !dev.HasScript() {
		if !dev.HasDirectDataset() {
			i.logger.Debug("no receive function or dataset", "dev_eui", dev.DevEUI.String())
			return nil
		}
		var row map[string]any
		if err := json.Unmarshal(up.Data, &row); err != nil {
			return fmt.Errorf("%w: payload is not a JSON object: %v", domain.ErrValidation, err)
		}
		return i.deps.Datasets.Insert(ctx, auth.System(), dev.ApplicationID, dev.Dataset, row)
	}

	return i.deps.Sandbox.Run(ctx, sandbox.Input{
		DevEUI:       dev.DevEUI.String(),
		Script:       dev.ReceiveFunction,
		Data:         string(up.Data),
		ReceivedTime: up.ReceivedAt,
	}, &deviceCapabilities{deps: &i.deps, device: *dev})
}

// =============================================================================
// Script capabilities
// =============================================================================

// deviceCapabilities binds the script capabilities to one device and its
// application. Calls run with the system credential.
type deviceCapabilities struct {
	deps   *Deps
	device domain.Device
}

func (c *deviceCapabilities) InsertIntoDataset(ctx context.Context, table string, row map[string]any) error {
	return c.deps.Datasets.Insert(ctx, auth.System(), c.device.ApplicationID, table, row)
}

func (c *deviceCapabilities) QueryOwnSchema(ctx context.Context, sqlText string) (*query.Result, error) {
	return c.deps.Datasets.Query(ctx, auth.System(), c.device.ApplicationID, sqlText)
}

func (c *deviceCapabilities) SetLocation(ctx context.Context, latitude, longitude float64) error {
	return c.deps.Devices.SetLocation(ctx, auth.System(), c.device.DevEUI, latitude, longitude)
}

func (c *deviceCapabilities) SendDownlink(ctx context.Context, data string, confirmed bool) error {
	if c.deps.Downlinks == nil {
		return errors.New("downlinks are not configured")
	}
	_, err := c.deps.Downlinks.Send(ctx, c.device.ApplicationID, c.device.DevEUI, data, confirmed)
	return err
}
