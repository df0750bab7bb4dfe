// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package scd30

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/scd30/common"
)

// PPM is a CO2 concentration in parts per million. The SCD30 reports it
// as a float.
type PPM float32

func (ppm PPM) String() string {
	return fmt.Sprintf("%.0f PPM", float32(ppm))
}

const (
	// SensorAddress is the only i2c address the SCD30 responds to.
	SensorAddress uint16 = 0x61

	// The SCD30 does not support repeated-start reads. Reading the
	// response sooner than about 3ms after the command write returns
	// garbage, so every transaction pauses in between.
	settleTime = 3 * time.Millisecond

	// Interval limits from the datasheet.
	minInterval = 2 * time.Second
	maxInterval = 1800 * time.Second
)

type cmd uint16

// Structure to simplify sending commands to the device.
type command struct {
	// The 16-bit command word.
	cmdWord cmd
	// The expected number of bytes returned. 0, 3, or 18.
	responseSize int
}

// The various implemented commands. Writable values reuse the command
// word of their getter with a packed word argument appended.

var cmdTriggerContinuous = command{
	cmdWord: 0x0010,
}
var cmdStopContinuous = command{
	cmdWord: 0x0104,
}
var cmdGetDataReady = command{
	cmdWord:      0x0202,
	responseSize: 3,
}
var cmdReadMeasurement = command{
	cmdWord:      0x0300,
	responseSize: 18,
}
var cmdGetMeasurementInterval = command{
	cmdWord:      0x4600,
	responseSize: 3,
}
var cmdSetMeasurementInterval = command{
	cmdWord: 0x4600,
}
var cmdGetAltitude = command{
	cmdWord:      0x5102,
	responseSize: 3,
}
var cmdSetAltitude = command{
	cmdWord: 0x5102,
}
var cmdSetForcedRecalibration = command{
	cmdWord: 0x5204,
}
var cmdGetSelfCalibration = command{
	cmdWord:      0x5306,
	responseSize: 3,
}
var cmdSetSelfCalibration = command{
	cmdWord: 0x5306,
}
var cmdGetTemperatureOffset = command{
	cmdWord:      0x5403,
	responseSize: 3,
}
var cmdSetTemperatureOffset = command{
	cmdWord: 0x5403,
}
var cmdGetFirmwareVersion = command{
	cmdWord:      0xd100,
	responseSize: 3,
}
var cmdSoftReset = command{
	cmdWord: 0xd304,
}

// Opts holds the configuration applied to the device at construction.
type Opts struct {
	// MeasurementInterval is the continuous measurement interval the
	// device is aligned with at startup. Whole seconds between 2s and
	// 1800s.
	MeasurementInterval time.Duration
	// AmbientPressure in millibar, used for pressure compensation when
	// continuous measurement is (re)triggered. 0 disables compensation.
	AmbientPressure uint16
}

// DefaultOpts holds the default configuration options for the device.
var DefaultOpts = Opts{
	MeasurementInterval: 10 * time.Second,
	AmbientPressure:     1013,
}

// Measurement is a single reading from the sensor. It is immutable once
// returned.
type Measurement struct {
	// CO2 concentration in parts per million.
	CO2 PPM
	// Temperature in degrees Celsius.
	Temperature float32
	// Humidity in percent relative humidity.
	Humidity float32
}

func (m Measurement) String() string {
	return fmt.Sprintf("CO2: %.0fppm T: %.2f°C RH: %.1f%%", float32(m.CO2), m.Temperature, m.Humidity)
}

// The sensor reading in physic units plus the CO2 concentration.
type Env struct {
	physic.Env
	CO2 PPM
}

// Return the sensor readings in string format.
func (e *Env) String() string {
	return fmt.Sprintf("Temperature: %s Humidity: %s CO2: %s", e.Temperature.String(), e.Humidity.String(), e.CO2.String())
}

// Dev represents an SCD30 device.
type Dev struct {
	// The i2c bus device.
	d    *i2c.Dev
	opts Opts
	// channel to halt SenseContinuous
	chHalt chan struct{}
	// mu serializes bus transactions.
	mu sync.Mutex
}

// NewI2C creates a new SCD30 sensor using the supplied bus and address.
// The constant value SensorAddress should be supplied as the value for
// addr. The Opts can be nil.
//
// The sensor keeps its measurement interval across power cycles, so the
// configured interval is read back from the device, written if it
// differs, and verified. A failure here is fatal; nothing is retried at
// startup.
func NewI2C(b i2c.Bus, addr uint16, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	if err := validateInterval(opts.MeasurementInterval); err != nil {
		return nil, err
	}
	d := &Dev{d: &i2c.Dev{Bus: b, Addr: addr}, opts: *opts}
	if err := d.alignInterval(); err != nil {
		return nil, err
	}
	return d, nil
}

func validateInterval(interval time.Duration) error {
	if interval < minInterval || interval > maxInterval {
		return fmt.Errorf("scd30: measurement interval %s out of range [%s, %s]", interval, minInterval, maxInterval)
	}
	if interval%time.Second != 0 {
		return fmt.Errorf("scd30: measurement interval %s must be whole seconds", interval)
	}
	return nil
}

// alignInterval brings the device's stored measurement interval in line
// with the configured one and verifies the write took.
func (d *Dev) alignInterval() error {
	want := uint16(d.opts.MeasurementInterval / time.Second)
	cur, err := d.readWord(cmdGetMeasurementInterval)
	if err != nil {
		return err
	}
	if cur == want {
		return nil
	}
	if _, err = d.roundTrip(cmdSetMeasurementInterval, []uint16{want}); err != nil {
		return err
	}
	cur, err = d.readWord(cmdGetMeasurementInterval)
	if err != nil {
		return err
	}
	if cur != want {
		return fmt.Errorf("scd30: measurement interval readback %ds, expected %ds", cur, want)
	}
	return nil
}

// roundTrip writes the 16-bit command word plus any packed argument
// words, waits for the sensor to settle, then reads back responseSize
// bytes. All commands to read or write to the sensor go through this
// function.
func (d *Dev) roundTrip(c command, args []uint16) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	w := []byte{byte(c.cmdWord >> 8), byte(c.cmdWord)}
	for _, a := range args {
		w = append(w, common.PackWord(a)...)
	}
	if err := d.d.Tx(w, nil); err != nil {
		return nil, fmt.Errorf("scd30 cmd 0x%04x: %w", uint16(c.cmdWord), err)
	}
	time.Sleep(settleTime)
	if c.responseSize == 0 {
		return nil, nil
	}
	r := make([]byte, c.responseSize)
	if err := d.d.Tx(nil, r); err != nil {
		return nil, fmt.Errorf("scd30 cmd 0x%04x: %w", uint16(c.cmdWord), err)
	}
	return r, nil
}

// readWord runs a command with a single word response and validates its
// checksum.
func (d *Dev) readWord(c command) (uint16, error) {
	r, err := d.roundTrip(c, nil)
	if err != nil {
		return 0, err
	}
	v, err := common.UnpackWord(r)
	if err != nil {
		return 0, fmt.Errorf("scd30 cmd 0x%04x: %w", uint16(c.cmdWord), err)
	}
	return v, nil
}

// DataReady reports whether a new measurement is available to read. The
// device answers 0 or 1; anything else yields a *ReadyAnomalyError and
// is reported as not ready.
func (d *Dev) DataReady() (bool, error) {
	v, err := d.readWord(cmdGetDataReady)
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, &ReadyAnomalyError{Value: v}
}

// ReadMeasurement reads one measurement from the device. The 18 byte
// response carries three floats, each split across two CRC protected
// words: CO2 ppm, temperature in °C, then relative humidity in %.
//
// Call only after DataReady reports true; reading earlier returns the
// previous values.
func (d *Dev) ReadMeasurement() (Measurement, error) {
	var m Measurement
	r, err := d.roundTrip(cmdReadMeasurement, nil)
	if err != nil {
		return m, err
	}
	co2, err := common.UnpackFloat(r[0:3], r[3:6])
	if err != nil {
		return m, fmt.Errorf("scd30: co2 words: %w", err)
	}
	tmp, err := common.UnpackFloat(r[6:9], r[9:12])
	if err != nil {
		return m, fmt.Errorf("scd30: temperature words: %w", err)
	}
	rh, err := common.UnpackFloat(r[12:15], r[15:18])
	if err != nil {
		return m, fmt.Errorf("scd30: humidity words: %w", err)
	}
	m = Measurement{CO2: PPM(co2), Temperature: tmp, Humidity: rh}
	return m, nil
}

// StartContinuous (re)triggers continuous measurement mode with the
// given ambient pressure in millibar for compensation, 0 to disable
// compensation. The mode persists in the device until StopContinuous.
func (d *Dev) StartContinuous(pressureMillibar uint16) error {
	_, err := d.roundTrip(cmdTriggerContinuous, []uint16{pressureMillibar})
	return err
}

// StopContinuous stops continuous measurement mode.
func (d *Dev) StopContinuous() error {
	_, err := d.roundTrip(cmdStopContinuous, nil)
	return err
}

// MeasurementInterval returns the continuous measurement interval stored
// in the device.
func (d *Dev) MeasurementInterval() (time.Duration, error) {
	v, err := d.readWord(cmdGetMeasurementInterval)
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Second, nil
}

// SetMeasurementInterval sets the continuous measurement interval. Whole
// seconds between 2s and 1800s.
func (d *Dev) SetMeasurementInterval(interval time.Duration) error {
	if err := validateInterval(interval); err != nil {
		return err
	}
	_, err := d.roundTrip(cmdSetMeasurementInterval, []uint16{uint16(interval / time.Second)})
	return err
}

// TemperatureOffset returns the offset subtracted from the temperature
// reading to compensate for self-heating. The device stores it in
// hundredths of a degree Celsius.
func (d *Dev) TemperatureOffset() (physic.Temperature, error) {
	v, err := d.readWord(cmdGetTemperatureOffset)
	if err != nil {
		return 0, err
	}
	return physic.Temperature(v) * 10 * physic.MilliKelvin, nil
}

// SetTemperatureOffset sets the self-heating compensation offset.
func (d *Dev) SetTemperatureOffset(offset physic.Temperature) error {
	if offset < 0 {
		return errors.New("scd30: temperature offset must not be negative")
	}
	_, err := d.roundTrip(cmdSetTemperatureOffset, []uint16{uint16(offset / (10 * physic.MilliKelvin))})
	return err
}

// Altitude returns the altitude compensation value.
func (d *Dev) Altitude() (physic.Distance, error) {
	v, err := d.readWord(cmdGetAltitude)
	if err != nil {
		return 0, err
	}
	return physic.Distance(v) * physic.Metre, nil
}

// SetAltitude sets the altitude compensation value. It is superseded by
// the ambient pressure argument of StartContinuous when that is non
// zero.
func (d *Dev) SetAltitude(altitude physic.Distance) error {
	_, err := d.roundTrip(cmdSetAltitude, []uint16{uint16(altitude / physic.Metre)})
	return err
}

// SelfCalibration reports whether automatic self-calibration is active.
func (d *Dev) SelfCalibration() (bool, error) {
	v, err := d.readWord(cmdGetSelfCalibration)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// SetSelfCalibration enables or disables automatic self-calibration.
func (d *Dev) SetSelfCalibration(enabled bool) error {
	var v uint16
	if enabled {
		v = 1
	}
	_, err := d.roundTrip(cmdSetSelfCalibration, []uint16{v})
	return err
}

// SetForcedRecalibration sets the reference CO2 concentration for forced
// recalibration. Refer to the datasheet for usage.
func (d *Dev) SetForcedRecalibration(target PPM) error {
	if target < 400 || target > 2000 {
		return fmt.Errorf("scd30: forced recalibration target %s out of range [400 PPM, 2000 PPM]", target)
	}
	_, err := d.roundTrip(cmdSetForcedRecalibration, []uint16{uint16(target)})
	return err
}

// FirmwareVersion returns the device firmware version as "major.minor".
func (d *Dev) FirmwareVersion() (string, error) {
	v, err := d.readWord(cmdGetFirmwareVersion)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d.%d", byte(v>>8), byte(v)), nil
}

// SoftReset restarts the sensor's controller. Stored calibration data is
// kept.
func (d *Dev) SoftReset() error {
	if _, err := d.roundTrip(cmdSoftReset, nil); err != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)
	return nil
}

// DevConfig is the running configuration of the device. Use
// Dev.GetConfiguration() to read it and Dev.SetConfiguration() to apply
// changes.
type DevConfig struct {
	// Continuous measurement interval.
	MeasurementInterval time.Duration
	// Self-heating compensation offset.
	TemperatureOffset physic.Temperature
	// Altitude compensation value.
	Altitude physic.Distance
	// Automatic self-calibration enabled.
	SelfCalibration bool
	// The device firmware version. Read-Only.
	FirmwareVersion string
}

// GetConfiguration returns a structure containing the scd30
// configuration values. You can alter settings and call SetConfiguration
// with it.
func (d *Dev) GetConfiguration() (*DevConfig, error) {
	cfg := &DevConfig{}
	var err error

	if cfg.MeasurementInterval, err = d.MeasurementInterval(); err != nil {
		return nil, err
	}
	if cfg.TemperatureOffset, err = d.TemperatureOffset(); err != nil {
		return nil, err
	}
	if cfg.Altitude, err = d.Altitude(); err != nil {
		return nil, err
	}
	if cfg.SelfCalibration, err = d.SelfCalibration(); err != nil {
		return nil, err
	}
	if cfg.FirmwareVersion, err = d.FirmwareVersion(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetConfiguration alters the configuration of the sensor. Only values
// that differ from the current device state are written.
func (d *Dev) SetConfiguration(newCfg *DevConfig) error {
	currentConfig, err := d.GetConfiguration()
	if err != nil {
		return fmt.Errorf("scd30 GetConfiguration(): %w", err)
	}

	if currentConfig.MeasurementInterval != newCfg.MeasurementInterval {
		if err := d.SetMeasurementInterval(newCfg.MeasurementInterval); err != nil {
			return err
		}
	}
	if currentConfig.TemperatureOffset != newCfg.TemperatureOffset {
		if err := d.SetTemperatureOffset(newCfg.TemperatureOffset); err != nil {
			return err
		}
	}
	if currentConfig.Altitude != newCfg.Altitude {
		if err := d.SetAltitude(newCfg.Altitude); err != nil {
			return err
		}
	}
	if currentConfig.SelfCalibration != newCfg.SelfCalibration {
		if err := d.SetSelfCalibration(newCfg.SelfCalibration); err != nil {
			return err
		}
	}
	return nil
}

// Sense waits for the data-ready flag and reads one measurement,
// converting it to physic units. It blocks until the sensor reports
// ready or two full measurement intervals have elapsed. An anomalous
// data-ready word counts as not ready; a checksum failure aborts the
// read, it is never silently corrected.
func (d *Dev) Sense(e *Env) error {
	deadline := time.Now().Add(2*d.opts.MeasurementInterval + time.Second)
	for {
		ready, err := d.DataReady()
		if err != nil {
			var anomaly *ReadyAnomalyError
			if !errors.As(err, &anomaly) {
				return err
			}
		}
		if ready {
			break
		}
		if time.Now().After(deadline) {
			return errors.New("scd30: timeout waiting for data ready status")
		}
		time.Sleep(time.Second)
	}

	m, err := d.ReadMeasurement()
	if err != nil {
		return err
	}
	e.CO2 = m.CO2
	e.Temperature = physic.ZeroCelsius + physic.Temperature(float64(m.Temperature)*float64(physic.Celsius))
	e.Humidity = physic.RelativeHumidity(float64(m.Humidity) * float64(physic.PercentRH))
	e.Pressure = 0
	return nil
}

// SenseContinuous reads the sensor on the specified interval and writes
// readings to the returned channel. The device cannot produce data
// faster than its 2s minimum measurement interval. To terminate, call
// Halt().
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan Env, error) {
	if interval < minInterval {
		return nil, errors.New("scd30: sample interval is < device sample rate")
	}
	d.mu.Lock()
	if d.chHalt != nil {
		d.mu.Unlock()
		return nil, errors.New("scd30: SenseContinuous() running already")
	}
	// The goroutine keeps its own reference so that Halt can clear the
	// field while a Sense is still in flight.
	chHalt := make(chan struct{})
	d.chHalt = chHalt
	d.mu.Unlock()
	ch := make(chan Env, 16)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer close(ch)
		for {
			select {
			case <-chHalt:
				return
			case <-ticker.C:
				e := Env{}
				if err := d.Sense(&e); err == nil && len(ch) < cap(ch) {
					ch <- e
				}
			}
		}
	}()
	return ch, nil
}

// Precision returns the sensor's resolution, or minimum value between
// steps the device can make.
func (d *Dev) Precision(e *Env) {
	e.CO2 = 1
	e.Temperature = 10 * physic.MilliKelvin
	e.Humidity = physic.MilliRH
	e.Pressure = 0
}

// Halt stops a SenseContinuous operation if one is in progress. The
// goroutine may finish an in-flight Sense before it exits and closes
// the readings channel. Halt does not stop the sensor's continuous
// measurement mode; use StopContinuous for that. Implements
// conn.Resource.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.chHalt != nil {
		close(d.chHalt)
		d.chHalt = nil
	}
	return nil
}

func (d *Dev) String() string {
	return fmt.Sprintf("scd30: %s", d.d.String())
}
