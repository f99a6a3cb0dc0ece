// Package hal brings up the machine's device drivers.
package hal

import (
	"bytes"
	"io"
	"sort"

	"github.com/kennykguo/xv6-kernel-dev/device"
	"github.com/kennykguo/xv6-kernel-dev/kernel/kfmt"
)

// Devices contains the devices discovered by the HAL.
type Devices struct {
	activeTTY io.Writer

	// activeDrivers tracks all initialized device drivers.
	activeDrivers []device.Driver

	strBuf bytes.Buffer
}

// ActiveTTY returns the device that currently receives kernel output.
func (d *Devices) ActiveTTY() io.Writer {
	return d.activeTTY
}

// ActiveDrivers returns the drivers initialized so far, in the order they
// were brought up.
func (d *Devices) ActiveDrivers() []device.Driver {
	return d.activeDrivers
}

// DetectHardware probes for the devices in drivers and initializes the
// drivers of those that are present, in detection order.
func (d *Devices) DetectHardware(drivers device.DriverInfoList) {
	sort.Stable(drivers)
	d.probe(drivers)
}

// outputSink forwards writes to the current kfmt output sink, or the early
// print buffer while there is none.
type outputSink struct{}

func (outputSink) Write(p []byte) (int, error) {
	kfmt.Printf("%s", p)
	return len(p), nil
}

// probe executes the probe function for each driver and invokes
// onDriverInit for each successfully initialized driver.
func (d *Devices) probe(driverInfoList device.DriverInfoList) {
	var w = kfmt.PrefixWriter{Sink: outputSink{}}

	for _, info := range driverInfoList {
		drv := info.Probe()
		if drv == nil {
			continue
		}

		d.strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&d.strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = d.strBuf.Bytes()

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "initialized\n")
		d.onDriverInit(drv)
		d.activeDrivers = append(d.activeDrivers, drv)
	}
}

// onDriverInit is invoked by probe() whenever a piece of hardware is detected
// and successfully initialized. The first driver that can take raw output
// becomes the kernel's output sink; anything printed before that point is
// flushed to it.
func (d *Devices) onDriverInit(drv device.Driver) {
	if tty, ok := drv.(io.Writer); ok && d.activeTTY == nil {
		d.activeTTY = tty
		kfmt.SetOutputSink(tty)
	}
}
