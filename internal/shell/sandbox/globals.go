package sandbox

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/dop251/goja"
)

// install defines the script globals: data, receivedTime, Datasets.insert,
// sqlQuery, Device.setLocation and Device.sendDownlink. Capability failures
// are thrown into the script as errors it may catch.
func install(ctx context.Context, vm *goja.Runtime, in Input, caps Capabilities) error {
	throw := func(err error) {
		panic(vm.NewGoError(err))
	}

	if err := vm.Set("data", in.Data); err != nil {
		return err
	}
	var received any
	if in.ReceivedTime != nil {
		received = in.ReceivedTime.UTC().Format(time.RFC3339Nano)
	}
	if err := vm.Set("receivedTime", received); err != nil {
		return err
	}

	datasets := vm.NewObject()
	err := datasets.Set("insert", func(call goja.FunctionCall) goja.Value {
		table := call.Argument(0).String()
		row, ok := call.Argument(1).Export().(map[string]any)
		if !ok {
			panic(vm.NewTypeError("Datasets.insert expects an object row"))
		}
		if err := caps.InsertIntoDataset(ctx, table, row); err != nil {
			throw(err)
		}
		return goja.Undefined()
	})
	if err != nil {
		return err
	}
	if err := vm.Set("Datasets", datasets); err != nil {
		return err
	}

	err = vm.Set("sqlQuery", func(call goja.FunctionCall) goja.Value {
		res, err := caps.QueryOwnSchema(ctx, call.Argument(0).String())
		if err != nil {
			throw(err)
		}
		return vm.ToValue(res.Rows)
	})
	if err != nil {
		return err
	}

	device := vm.NewObject()
	err = device.Set("setLocation", func(call goja.FunctionCall) goja.Value {
		if err := caps.SetLocation(ctx, call.Argument(0).ToFloat(), call.Argument(1).ToFloat()); err != nil {
			throw(err)
		}
		return goja.Undefined()
	})
	if err != nil {
		return err
	}
	err = device.Set("sendDownlink", func(call goja.FunctionCall) goja.Value {
		data, err := downlinkData(call.Argument(0))
		if err != nil {
			panic(vm.NewTypeError(err.Error()))
		}
		confirmed := true
		if c := call.Argument(1); !goja.IsUndefined(c) {
			confirmed = c.ToBoolean()
		}
		if err := caps.SendDownlink(ctx, data, confirmed); err != nil {
			throw(err)
		}
		return goja.Undefined()
	})
	if err != nil {
		return err
	}
	return vm.Set("Device", device)
}

// downlinkData returns the wire form of a downlink payload. Strings are
// already base64 and pass through unchanged; binary values are encoded.
func downlinkData(v goja.Value) (string, error) {
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return "", errors.New("sendDownlink expects a payload")
	}
	switch x := v.Export().(type) {
	case string:
		return x, nil
	case []byte:
		return base64.StdEncoding.EncodeToString(x), nil
	case goja.ArrayBuffer:
		return base64.StdEncoding.EncodeToString(x.Bytes()), nil
	}
	return v.String(), nil
}
