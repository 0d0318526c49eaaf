package domain

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// EUI is a binary device identifier (DevEUI). It is stored as raw bytes and
// rendered as lowercase hex.
type EUI []byte

// ParseEUI parses a hex encoded EUI. Empty and odd-length input is rejected.
func ParseEUI(s string) (EUI, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty devEUI", ErrValidation)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: devEUI %q is not hex", ErrValidation, s)
	}
	return EUI(b), nil
}

// String renders the EUI as lowercase hex.
func (e EUI) String() string {
	return hex.EncodeToString(e)
}

// MarshalText implements encoding.TextMarshaler.
func (e EUI) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *EUI) UnmarshalText(text []byte) error {
	parsed, err := ParseEUI(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// Device is the locally stored part of a device. The network server owns
// the rest of the device record.
type Device struct {
	DevEUI          EUI      `json:"devEUI"`
	ApplicationID   int64    `json:"applicationID"`
	ReceiveFunction string   `json:"receiveFunction,omitempty"`
	Dataset         string   `json:"dataset,omitempty"`
	Latitude        *float64 `json:"latitude,omitempty"`
	Longitude       *float64 `json:"longitude,omitempty"`
}

// HasScript reports whether the device runs a tenant receive function.
func (d Device) HasScript() bool {
	return strings.TrimSpace(d.ReceiveFunction) != ""
}

// HasDirectDataset reports whether uplinks are inserted as-is into a dataset.
func (d Device) HasDirectDataset() bool {
	return !d.HasScript() && d.Dataset != ""
}
