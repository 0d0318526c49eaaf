package topic

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/typekcz/loradataserver/internal/core/domain"
)

// DownlinkFPort is the LoRaWAN port used for downlinks.
const DownlinkFPort = 10

// Uplink is a decoded rx message.
type Uplink struct {
	Data       []byte
	ReceivedAt *time.Time
}

type uplinkJSON struct {
	Data   string `json:"data"`
	Time   string `json:"time"`
	RxInfo []struct {
		Time string `json:"time"`
	} `json:"rxInfo"`
}

// DecodeUplink decodes an rx payload. The received time comes from the first
// gateway's metadata and falls back to the envelope time.
func DecodeUplink(payload []byte) (Uplink, error) {
	var msg uplinkJSON
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Uplink{}, fmt.Errorf("%w: uplink: %v", domain.ErrValidation, err)
	}
	data, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		return Uplink{}, fmt.Errorf("%w: uplink data: %v", domain.ErrValidation, err)
	}

	up := Uplink{Data: data}
	stamp := msg.Time
	if len(msg.RxInfo) > 0 && msg.RxInfo[0].Time != "" {
		stamp = msg.RxInfo[0].Time
	}
	if stamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, stamp); err == nil {
			up.ReceivedAt = &t
		}
	}
	return up, nil
}

// DownlinkMessage is the body published for a downlink.
type DownlinkMessage struct {
	Reference string `json:"reference"`
	Confirmed bool   `json:"confirmed"`
	FPort     int    `json:"fPort"`
	Data      string `json:"data"`
}

// EncodeDownlink builds a downlink body. Data must already be base64; the
// network server decodes it before transmission.
func EncodeDownlink(reference, data string, confirmed bool) ([]byte, error) {
	return json.Marshal(DownlinkMessage{
		Reference: reference,
		Confirmed: confirmed,
		FPort:     DownlinkFPort,
		Data:      data,
	})
}
