package store

import (
	"context"
	"time"

	"github.com/typekcz/loradataserver/internal/core/auth"
	"github.com/typekcz/loradataserver/internal/core/domain"
	"github.com/typekcz/loradataserver/internal/core/query"
	"github.com/typekcz/loradataserver/internal/core/stats"
	"github.com/typekcz/loradataserver/internal/shell/dbgw"
)

var deviceKeys = []string{"devEUI"}

// Devices manages the locally stored device configuration in main.device and
// the hourly rows in main.deviceStats.
type Devices struct {
	gw    dbgw.Gateway
	authz auth.Authorizer
}

// DeviceStats is one persisted statistics row.
type DeviceStats struct {
	Time       time.Time `json:"time"`
	RxReceived int64     `json:"rxReceived"`
	TxEmitted  int64     `json:"txEmitted"`
	Errors     int64     `json:"errors"`
	Acks       int64     `json:"acks"`
}

// Get returns a device. The caller needs READ on the device's application;
// the system credential skips the check.
func (d *Devices) Get(ctx context.Context, cred auth.Credential, devEUI domain.EUI) (*domain.Device, error) {
	dev, err := d.load(ctx, devEUI)
	if err != nil {
		return nil, err
	}
	if err := d.authz.CheckApp(ctx, cred, dev.ApplicationID, auth.Read); err != nil {
		return nil, err
	}
	return dev, nil
}

func (d *Devices) load(ctx context.Context, devEUI domain.EUI) (*domain.Device, error) {
	res, err := d.gw.Query(ctx, dbgw.DeviceTable, query.Params{
		Conditions: query.Where("devEUI", query.Eq([]byte(devEUI))),
	})
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, NewStoreError("GetDevice", "device", devEUI.String(), "not found", domain.ErrNotFound)
	}
	return rowToDevice(res.Rows[0]), nil
}

// Insert stores a new device. Requires WRITE on its application.
func (d *Devices) Insert(ctx context.Context, cred auth.Credential, dev domain.Device) error {
	if len(dev.DevEUI) == 0 {
		return NewStoreError("InsertDevice", "device", "", "devEUI is required", domain.ErrValidation)
	}
	if err := d.authz.CheckApp(ctx, cred, dev.ApplicationID, auth.Write); err != nil {
		return err
	}
	return d.gw.Insert(ctx, dbgw.DeviceTable, deviceToRow(dev))
}

// Upsert creates or replaces a device. Moving a device to another
// application requires WRITE on both applications.
func (d *Devices) Upsert(ctx context.Context, cred auth.Credential, dev domain.Device) error {
	if len(dev.DevEUI) == 0 {
		return NewStoreError("UpsertDevice", "device", "", "devEUI is required", domain.ErrValidation)
	}
	if err := d.authz.CheckApp(ctx, cred, dev.ApplicationID, auth.Write); err != nil {
		return err
	}
	if !cred.IsSystem() {
		existing, err := d.load(ctx, dev.DevEUI)
		switch {
		case err == nil && existing.ApplicationID != dev.ApplicationID:
			if err := d.authz.CheckApp(ctx, cred, existing.ApplicationID, auth.Write); err != nil {
				return err
			}
		case err != nil && !isNotFound(err):
			return err
		}
	}
	return d.gw.Upsert(ctx, dbgw.DeviceTable, deviceToRow(dev), deviceKeys)
}

// SetLocation updates a device's coordinates.
func (d *Devices) SetLocation(ctx context.Context, cred auth.Credential, devEUI domain.EUI, lat, lon float64) error {
	if _, err := d.Get(ctx, cred, devEUI); err != nil {
		return err
	}
	updated, err := d.gw.Update(ctx, dbgw.DeviceTable, map[string]any{
		"devEUI":    []byte(devEUI),
		"latitude":  lat,
		"longitude": lon,
	}, deviceKeys)
	if err != nil {
		return err
	}
	if !updated {
		return NewStoreError("SetLocation", "device", devEUI.String(), "not found", domain.ErrNotFound)
	}
	return nil
}

// Delete removes a device and, by cascade, its statistics.
func (d *Devices) Delete(ctx context.Context, cred auth.Credential, devEUI domain.EUI) error {
	dev, err := d.load(ctx, devEUI)
	if err != nil {
		return err
	}
	if err := d.authz.CheckApp(ctx, cred, dev.ApplicationID, auth.Write); err != nil {
		return err
	}
	return d.gw.Delete(ctx, dbgw.DeviceTable, query.Where("devEUI", query.Eq([]byte(devEUI))))
}

// Stats returns the persisted statistics of a device, optionally limited to
// an inclusive time range.
func (d *Devices) Stats(ctx context.Context, cred auth.Credential, devEUI domain.EUI, from, to *time.Time) ([]DeviceStats, error) {
	if _, err := d.Get(ctx, cred, devEUI); err != nil {
		return nil, err
	}

	conds := query.Where("devEUI", query.Eq([]byte(devEUI)))
	if from != nil {
		conds.And("time", query.Cmp(query.OpGe, *from))
	}
	if to != nil {
		conds.And("time", query.Cmp(query.OpLe, *to))
	}
	res, err := d.gw.Query(ctx, dbgw.DeviceStatsTable, query.Params{
		Select:     []string{"time", "rxReceived", "txEmitted", "errors", "acks"},
		Conditions: conds,
	})
	if err != nil {
		return nil, err
	}

	out := make([]DeviceStats, 0, len(res.Rows))
	for _, r := range res.Rows {
		out = append(out, DeviceStats{
			Time:       timeVal(r["time"]),
			RxReceived: int64Val(r["rxReceived"]),
			TxEmitted:  int64Val(r["txEmitted"]),
			Errors:     int64Val(r["errors"]),
			Acks:       int64Val(r["acks"]),
		})
	}
	return out, nil
}

// InsertStats persists one statistics row for a device. Devices without a
// device row are reported as domain.ErrNotFound.
func (d *Devices) InsertStats(ctx context.Context, devEUI string, at time.Time, c stats.Counters) error {
	eui, err := domain.ParseEUI(devEUI)
	if err != nil {
		return err
	}
	if _, err := d.load(ctx, eui); err != nil {
		return err
	}
	return d.gw.Insert(ctx, dbgw.DeviceStatsTable, map[string]any{
		"devEUI":     []byte(eui),
		"time":       at,
		"rxReceived": c.RxReceived,
		"txEmitted":  c.TxEmitted,
		"errors":     c.Errors,
		"acks":       c.Acks,
	})
}

func deviceToRow(dev domain.Device) map[string]any {
	row := map[string]any{
		"devEUI":          []byte(dev.DevEUI),
		"applicationID":   dev.ApplicationID,
		"receiveFunction": nullable(dev.ReceiveFunction),
		"dataset":         nullable(dev.Dataset),
		"latitude":        nil,
		"longitude":       nil,
	}
	if dev.Latitude != nil {
		row["latitude"] = *dev.Latitude
	}
	if dev.Longitude != nil {
		row["longitude"] = *dev.Longitude
	}
	return row
}

func rowToDevice(r map[string]any) *domain.Device {
	return &domain.Device{
		DevEUI:          domain.EUI(bytesVal(r["devEUI"])),
		ApplicationID:   int64Val(r["applicationID"]),
		ReceiveFunction: strVal(r["receiveFunction"]),
		Dataset:         strVal(r["dataset"]),
		Latitude:        floatPtr(r["latitude"]),
		Longitude:       floatPtr(r["longitude"]),
	}
}
