package ingest

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/typekcz/loradataserver/internal/core/domain"
	"github.com/typekcz/loradataserver/internal/core/topic"
)

// Publisher is the outbound half of the message bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Downlinker sends downlinks to devices through the network server.
type Downlinker struct {
	pub    Publisher
	newRef func() (uuid.UUID, error)
}

// NewDownlinker creates a Downlinker publishing on pub.
func NewDownlinker(pub Publisher) *Downlinker {
	return &Downlinker{pub: pub, newRef: uuid.NewV7}
}

// Send publishes base64 data as a downlink for the device and returns its
// reference. References are unique and ordered by creation time.
func (d *Downlinker) Send(ctx context.Context, applicationID int64, devEUI domain.EUI, data string, confirmed bool) (string, error) {
	ref, err := d.newRef()
	if err != nil {
		return "", fmt.Errorf("downlink reference: %w", err)
	}
	body, err := topic.EncodeDownlink(ref.String(), data, confirmed)
	if err != nil {
		return "", fmt.Errorf("encode downlink: %w", err)
	}
	if err := d.pub.Publish(ctx, topic.Downlink(applicationID, devEUI), body); err != nil {
		return "", fmt.Errorf("send downlink to %s: %w", devEUI, err)
	}
	return ref.String(), nil
}
