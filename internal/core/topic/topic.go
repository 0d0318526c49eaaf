// Package topic maps message-bus topics and payloads to telemetry events.
// This is part of the Functional Core: parsing and encoding only.
package topic

import (
	"regexp"
	"strconv"

	"github.com/typekcz/loradataserver/internal/core/domain"
)

// Kind is the device event carried by a topic.
type Kind string

const (
	KindRx    Kind = "rx"
	KindTx    Kind = "tx"
	KindAck   Kind = "ack"
	KindError Kind = "error"
)

// Subscription matches every device event of every application.
const Subscription = "application/+/node/+/+"

var nodeTopic = regexp.MustCompile(`^application/([0-9]+)/node/([0-9a-fA-F]+)/([a-zA-Z]+)$`)

// Event identifies the source and kind of an inbound message.
type Event struct {
	ApplicationID int64
	DevEUI        domain.EUI
	Kind          Kind
}

// Parse classifies a topic. ok is false for malformed topics and unknown kinds.
func Parse(t string) (ev Event, ok bool) {
	m := nodeTopic.FindStringSubmatch(t)
	if m == nil {
		return Event{}, false
	}
	appID, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return Event{}, false
	}
	eui, err := domain.ParseEUI(m[2])
	if err != nil {
		return Event{}, false
	}
	kind := Kind(m[3])
	switch kind {
	case KindRx, KindTx, KindAck, KindError:
	default:
		return Event{}, false
	}
	return Event{ApplicationID: appID, DevEUI: eui, Kind: kind}, true
}

// Downlink returns the topic a downlink for the device is published to.
func Downlink(applicationID int64, devEUI domain.EUI) string {
	return "application/" + strconv.FormatInt(applicationID, 10) + "/node/" + devEUI.String() + "/tx"
}
