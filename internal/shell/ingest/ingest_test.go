package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/typekcz/loradataserver/internal/core/auth"
	"github.com/typekcz/loradataserver/internal/core/domain"
	"github.com/typekcz/loradataserver/internal/core/query"
	"github.com/typekcz/loradataserver/internal/core/stats"
	"github.com/typekcz/loradataserver/internal/core/topic"
	"github.com/typekcz/loradataserver/internal/shell/bus"
	"github.com/typekcz/loradataserver/internal/shell/sandbox"
)

// =============================================================================
// Fakes
// =============================================================================

type datasetInsert struct {
	appID int64
	name  string
	row   map[string]any
	cred  auth.Credential
}

type mockDevices struct {
	mu        sync.Mutex
	devices   map[string]domain.Device
	locations map[string][2]float64
}

func newMockDevices(devs ...domain.Device) *mockDevices {
	m := &mockDevices{devices: map[string]domain.Device{}, locations: map[string][2]float64{}}
	for _, d := range devs {
		m.devices[d.DevEUI.String()] = d
	}
	return m
}

func (m *mockDevices) Get(ctx context.Context, cred auth.Credential, devEUI domain.EUI) (*domain.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !cred.IsSystem() {
		return nil, auth.ErrForbidden
	}
	d, ok := m.devices[devEUI.String()]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", devEUI, domain.ErrNotFound)
	}
	return &d, nil
}

func (m *mockDevices) SetLocation(ctx context.Context, cred auth.Credential, devEUI domain.EUI, lat, lon float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[devEUI.String()] = [2]float64{lat, lon}
	return nil
}

type mockDatasets struct {
	mu      sync.Mutex
	inserts []datasetInsert
	queries []string
}

func (m *mockDatasets) Insert(ctx context.Context, cred auth.Credential, applicationID int64, name string, row map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserts = append(m.inserts, datasetInsert{applicationID, name, row, cred})
	return nil
}

func (m *mockDatasets) Query(ctx context.Context, cred auth.Credential, applicationID int64, sqlText string, params ...any) (*query.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, sqlText)
	return &query.Result{Rows: []map[string]any{{"n": int64(1)}}}, nil
}

func (m *mockDatasets) snapshot() []datasetInsert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]datasetInsert(nil), m.inserts...)
}

type blockingRunner struct {
	release chan struct{}
	runs    chan sandbox.Input
}

func (r *blockingRunner) Run(ctx context.Context, in sandbox.Input, caps sandbox.Capabilities) error {
	r.runs <- in
	<-r.release
	return nil
}

type harness struct {
	ingestor  *Ingestor
	devices   *mockDevices
	datasets  *mockDatasets
	stats     *stats.Aggregator
	bus       *bus.Memory
	downlinks chan []byte
}

func newHarness(t *testing.T, config Config, devs ...domain.Device) *harness {
	t.Helper()
	h := &harness{
		devices:   newMockDevices(devs...),
		datasets:  &mockDatasets{},
		stats:     stats.NewAggregator(),
		bus:       bus.NewMemory(),
		downlinks: make(chan []byte, 16),
	}
	require.NoError(t, h.bus.Subscribe("application/+/node/+/tx", func(_ string, payload []byte) {
		h.downlinks <- payload
	}))
	h.ingestor = New(Deps{
		Devices:   h.devices,
		Datasets:  h.datasets,
		Sandbox:   sandbox.New(sandbox.Config{Timeout: 200 * time.Millisecond}, nil),
		Downlinks: NewDownlinker(h.bus),
		Stats:     h.stats,
	}, config, nil)
	return h
}

func uplink(t *testing.T, data string, rxTime string) []byte {
	t.Helper()
	msg := map[string]any{"data": base64.StdEncoding.EncodeToString([]byte(data))}
	if rxTime != "" {
		msg["rxInfo"] = []map[string]any{{"time": rxTime}}
	}
	b, err := json.Marshal(msg)
	require.NoError(t, err)
	return b
}

func eui(t *testing.T, s string) domain.EUI {
	t.Helper()
	e, err := domain.ParseEUI(s)
	require.NoError(t, err)
	return e
}

// =============================================================================
// Tests
// =============================================================================

func TestHandle_RecordsStats(t *testing.T) {
	h := newHarness(t, Config{})

	h.ingestor.Handle("application/1/node/0A0B/tx", nil)
	h.ingestor.Handle("application/1/node/0a0b/ack", nil)
	h.ingestor.Handle("application/1/node/0a0b/error", nil)
	h.ingestor.Handle("application/1/node/0a0b/error", nil)
	h.ingestor.Handle("application/1/node/0a0b/rx", []byte("not json"))
	h.ingestor.Handle("application/1/node/0a0b/join", nil)
	h.ingestor.Handle("gateway/0a0b/stats", nil)

	assert.Equal(t, stats.Counters{RxReceived: 1, TxEmitted: 1, Errors: 2, Acks: 1}, h.stats.Get("0a0b"))
	assert.Equal(t, 1, h.stats.Len())
}

func TestProcess_DirectDatasetInsert(t *testing.T) {
	dev := domain.Device{DevEUI: eui(t, "0102"), ApplicationID: 7, Dataset: "readings"}
	h := newHarness(t, Config{Workers: 1}, dev)
	require.NoError(t, h.ingestor.Start(context.Background()))

	h.ingestor.Handle("application/7/node/0102/rx", uplink(t, `{"temp":21.5}`, ""))
	h.ingestor.Stop()

	inserts := h.datasets.snapshot()
	require.Len(t, inserts, 1)
	assert.Equal(t, int64(7), inserts[0].appID)
	assert.Equal(t, "readings", inserts[0].name)
	assert.Equal(t, map[string]any{"temp": 21.5}, inserts[0].row)
	assert.True(t, inserts[0].cred.IsSystem())
}

func TestProcess_DirectInsertRejectsNonObject(t *testing.T) {
	dev := domain.Device{DevEUI: eui(t, "0102"), ApplicationID: 7, Dataset: "readings"}
	h := newHarness(t, Config{Workers: 1}, dev)

	err := h.ingestor.process(context.Background(), rxMessage{
		event:   topic.Event{ApplicationID: 7, DevEUI: dev.DevEUI, Kind: topic.KindRx},
		payload: uplink(t, `[1,2]`, ""),
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Empty(t, h.datasets.snapshot())
}

func TestProcess_UnknownDevice(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})

	err := h.ingestor.process(context.Background(), rxMessage{
		event:   topic.Event{ApplicationID: 7, DevEUI: eui(t, "0102"), Kind: topic.KindRx},
		payload: uplink(t, `{}`, ""),
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProcess_NothingConfigured(t *testing.T) {
	dev := domain.Device{DevEUI: eui(t, "0102"), ApplicationID: 7}
	h := newHarness(t, Config{Workers: 1}, dev)

	err := h.ingestor.process(context.Background(), rxMessage{
		event:   topic.Event{ApplicationID: 7, DevEUI: dev.DevEUI, Kind: topic.KindRx},
		payload: uplink(t, `{}`, ""),
	})
	assert.NoError(t, err)
	assert.Empty(t, h.datasets.snapshot())
}

func TestProcess_ReceiveFunction(t *testing.T) {
	dev := domain.Device{
		DevEUI:        eui(t, "0102"),
		ApplicationID: 7,
		ReceiveFunction: `
			var d = JSON.parse(data);
			Datasets.insert("readings", {temp: d.temp, at: receivedTime});
			var rows = sqlQuery("SELECT 1 AS n");
			Device.setLocation(d.lat, d.lon);
			Device.sendDownlink("AQI=");
		`,
	}
	h := newHarness(t, Config{Workers: 1}, dev)

	err := h.ingestor.process(context.Background(), rxMessage{
		event:   topic.Event{ApplicationID: 7, DevEUI: dev.DevEUI, Kind: topic.KindRx},
		payload: uplink(t, `{"temp":20,"lat":50.1,"lon":14.4}`, "2024-05-01T10:00:00Z"),
	})
	require.NoError(t, err)

	inserts := h.datasets.snapshot()
	require.Len(t, inserts, 1)
	assert.Equal(t, int64(7), inserts[0].appID)
	assert.EqualValues(t, 20, inserts[0].row["temp"])
	assert.Equal(t, "2024-05-01T10:00:00Z", inserts[0].row["at"])
	assert.Equal(t, []string{"SELECT 1 AS n"}, h.datasets.queries)
	assert.Equal(t, [2]float64{50.1, 14.4}, h.devices.locations["0102"])

	select {
	case body := <-h.downlinks:
		var msg topic.DownlinkMessage
		require.NoError(t, json.Unmarshal(body, &msg))
		assert.True(t, msg.Confirmed)
		assert.Equal(t, 10, msg.FPort)
		assert.Equal(t, "AQI=", msg.Data)
	default:
		t.Fatal("no downlink published")
	}
}

func TestProcess_ScriptFailureIsReturnedNotFatal(t *testing.T) {
	dev := domain.Device{
		DevEUI:          eui(t, "0102"),
		ApplicationID:   7,
		ReceiveFunction: `Datasets.insert("t", {a: 1}); for (;;) {}`,
	}
	h := newHarness(t, Config{Workers: 1}, dev)
	require.NoError(t, h.ingestor.Start(context.Background()))

	h.ingestor.Handle("application/7/node/0102/rx", uplink(t, `{}`, ""))
	h.ingestor.Handle("application/7/node/0102/rx", uplink(t, `{}`, ""))
	h.ingestor.Stop()

	// Both runs timed out after inserting; the worker kept going.
	assert.Len(t, h.datasets.snapshot(), 2)
	assert.Equal(t, int64(2), h.stats.Get("0102").RxReceived)
}

func TestHandle_FullQueueDrops(t *testing.T) {
	dev := domain.Device{DevEUI: eui(t, "0102"), ApplicationID: 7, ReceiveFunction: "1"}
	h := newHarness(t, Config{Workers: 1, QueueSize: 1}, dev)
	runner := &blockingRunner{release: make(chan struct{}), runs: make(chan sandbox.Input, 4)}
	h.ingestor.deps.Sandbox = runner
	require.NoError(t, h.ingestor.Start(context.Background()))

	h.ingestor.Handle("application/7/node/0102/rx", uplink(t, `{}`, ""))
	<-runner.runs // worker busy

	h.ingestor.Handle("application/7/node/0102/rx", uplink(t, `{}`, "")) // queued
	h.ingestor.Handle("application/7/node/0102/rx", uplink(t, `{}`, "")) // dropped

	close(runner.release)
	h.ingestor.Stop()

	assert.Len(t, runner.runs, 1)
	assert.Equal(t, int64(3), h.stats.Get("0102").RxReceived)
}

func TestIngestor_Lifecycle(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})
	ctx := context.Background()

	require.NoError(t, h.ingestor.Start(ctx))
	require.NoError(t, h.ingestor.Start(ctx))
	h.ingestor.Stop()
	h.ingestor.Stop()

	assert.ErrorIs(t, h.ingestor.Start(ctx), ErrStopped)

	// Messages after Stop still count but are not processed.
	h.ingestor.Handle("application/7/node/0102/rx", uplink(t, `{}`, ""))
	assert.Equal(t, int64(1), h.stats.Get("0102").RxReceived)
}

func TestIngestor_SubscribedToBus(t *testing.T) {
	dev := domain.Device{DevEUI: eui(t, "0102"), ApplicationID: 7, Dataset: "readings"}
	h := newHarness(t, Config{Workers: 1}, dev)
	require.NoError(t, h.ingestor.Start(context.Background()))
	require.NoError(t, h.bus.Subscribe(topic.Subscription, h.ingestor.Handle))

	require.NoError(t, h.bus.Publish(context.Background(), "application/7/node/0102/rx", uplink(t, `{"a":1}`, "")))
	h.ingestor.Stop()

	assert.Len(t, h.datasets.snapshot(), 1)
}

// =============================================================================
// Downlinker
// =============================================================================

type recordingPublisher struct {
	topic   string
	payload []byte
	err     error
}

func (p *recordingPublisher) Publish(ctx context.Context, t string, payload []byte) error {
	p.topic, p.payload = t, payload
	return p.err
}

func TestDownlinker_Send(t *testing.T) {
	pub := &recordingPublisher{}
	d := NewDownlinker(pub)

	ref, err := d.Send(context.Background(), 12, eui(t, "0A0B"), "AQI=", false)
	require.NoError(t, err)

	assert.Equal(t, "application/12/node/0a0b/tx", pub.topic)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(pub.payload, &msg))
	assert.Equal(t, ref, msg["reference"])
	assert.Equal(t, false, msg["confirmed"])
	assert.EqualValues(t, 10, msg["fPort"])
	assert.Equal(t, "AQI=", msg["data"])

	parsed, err := uuid.Parse(ref)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
}

func TestDownlinker_ReferencesAreOrdered(t *testing.T) {
	d := NewDownlinker(&recordingPublisher{})
	var refs []string
	for i := 0; i < 5; i++ {
		ref, err := d.Send(context.Background(), 1, eui(t, "01"), "", true)
		require.NoError(t, err)
		refs = append(refs, ref)
	}
	for i := 1; i < len(refs); i++ {
		assert.Less(t, refs[i-1], refs[i])
	}
}

func TestDownlinker_PublishError(t *testing.T) {
	d := NewDownlinker(&recordingPublisher{err: errors.New("broker down")})
	_, err := d.Send(context.Background(), 1, eui(t, "01"), "", true)
	assert.ErrorContains(t, err, "broker down")
}
