// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package scd30

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Presenter consumes what the polling loop produces: measurement records
// and textual status messages. Implementations render to a console, a
// display, an LED, a metrics pipeline.
type Presenter interface {
	// Measurement hands over one successful reading.
	Measurement(m Measurement)
	// Status reports loop state changes and recoverable errors.
	Status(msg string)
}

// The polling loop cycles through four states. checkingReady queries the
// data-ready flag; reading fetches a measurement; waiting accumulates
// stall time while the sensor is not ready; stalled re-primes continuous
// measurement once the stall time exceeds the measurement interval.
type state int

const (
	checkingReady state = iota
	reading
	waiting
	stalled
)

func (s state) String() string {
	switch s {
	case checkingReady:
		return "checking-ready"
	case reading:
		return "reading"
	case waiting:
		return "waiting"
	case stalled:
		return "stalled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// PollerOpts holds the configuration options for a Poller.
type PollerOpts struct {
	// Interval is the measurement interval the loop paces itself by.
	// Should match the interval the device is configured with. Default
	// 10s.
	Interval time.Duration
	// PollPeriod is the cadence of data-ready checks while the sensor
	// has no data, and the amount of stall time accumulated per
	// not-ready check. Default 1s.
	PollPeriod time.Duration
	// AmbientPressure in millibar used when re-priming a stalled
	// sensor. 0 selects the 1013 default; the poller always re-triggers
	// with compensation. To run the device without pressure
	// compensation call Dev.StartContinuous(0) directly instead of
	// relying on stall recovery to set the mode.
	AmbientPressure uint16
	// Logger for recoverable loop errors. Defaults to the standard
	// logger.
	Logger *log.Logger
}

// DefaultPollerOpts holds the default configuration options for a
// Poller.
var DefaultPollerOpts = PollerOpts{
	Interval:        10 * time.Second,
	PollPeriod:      time.Second,
	AmbientPressure: 1013,
}

// Poller owns one Dev and runs its ready/read/recover cycle. A Dev must
// not be shared between pollers; exactly one loop owns the session for
// its lifetime.
type Poller struct {
	dev      *Dev
	interval time.Duration
	period   time.Duration
	pressure uint16
	logger   *log.Logger

	// stall accumulates not-ready time since the last successful read
	// or re-trigger.
	stall time.Duration
	st    state

	chHalt chan struct{}
	mu     sync.Mutex
	wg     sync.WaitGroup

	// sleep substitutes the pacing sleeps in tests. nil means sleep
	// for real, interruptible by Halt.
	sleep func(time.Duration)
}

// NewPoller returns a Poller driving dev. The PollerOpts can be nil.
func NewPoller(dev *Dev, opts *PollerOpts) *Poller {
	if opts == nil {
		opts = &DefaultPollerOpts
	}
	p := &Poller{
		dev:      dev,
		interval: opts.Interval,
		period:   opts.PollPeriod,
		pressure: opts.AmbientPressure,
		logger:   opts.Logger,
		st:       checkingReady,
		chHalt:   make(chan struct{}),
	}
	if p.interval <= 0 {
		p.interval = DefaultPollerOpts.Interval
	}
	if p.period <= 0 {
		p.period = DefaultPollerOpts.PollPeriod
	}
	if p.pressure == 0 {
		p.pressure = DefaultPollerOpts.AmbientPressure
	}
	if p.logger == nil {
		p.logger = log.Default()
	}
	return p
}

// Run executes the polling loop until Halt is called. Checksum and
// transport errors inside the loop are logged and reported through the
// presenter, then the loop continues on its normal cadence; no error
// ever fabricates a measurement. The loop has no terminal state of its
// own.
func (p *Poller) Run(pr Presenter) {
	p.wg.Add(1)
	defer p.wg.Done()
	for {
		select {
		case <-p.chHalt:
			return
		default:
		}
		p.step(pr)
	}
}

// Halt stops the loop. It does not touch the sensor; continuous
// measurement keeps running in the device.
func (p *Poller) Halt() {
	p.mu.Lock()
	select {
	case <-p.chHalt:
	default:
		close(p.chHalt)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// step runs a single iteration of the state machine.
func (p *Poller) step(pr Presenter) {
	p.st = checkingReady
	ready, err := p.dev.DataReady()
	if err != nil {
		var anomaly *ReadyAnomalyError
		if errors.As(err, &anomaly) {
			p.logger.Printf("scd30: %v", anomaly)
		} else {
			p.logger.Printf("scd30: data ready: %v", err)
			pr.Status(fmt.Sprintf("ERROR: %v", err))
		}
	}

	if !ready {
		p.st = waiting
		p.stall += p.period
		if p.stall > p.interval {
			// The sensor has produced nothing for longer than a full
			// measurement interval. Re-prime continuous measurement;
			// this is the only recovery action.
			p.st = stalled
			p.logger.Printf("scd30: not ready for longer than %s, re-triggering measurement", p.interval)
			pr.Status("re-triggering measurement")
			if err := p.dev.StartContinuous(p.pressure); err != nil {
				p.logger.Printf("scd30: re-trigger: %v", err)
				pr.Status(fmt.Sprintf("ERROR: %v", err))
			}
			p.stall = 0
			return
		}
		pr.Status("not ready, waiting")
		p.pause(p.period)
		return
	}

	p.st = reading
	m, err := p.dev.ReadMeasurement()
	if err != nil {
		// Discard the malformed reading and retry on the next cycle.
		p.logger.Printf("scd30: read measurement: %v", err)
		pr.Status(fmt.Sprintf("ERROR: %v", err))
		p.pause(p.period)
		return
	}
	p.stall = 0
	pr.Measurement(m)
	p.pause(p.interval)
}

func (p *Poller) pause(d time.Duration) {
	if p.sleep != nil {
		p.sleep(d)
		return
	}
	select {
	case <-p.chHalt:
	case <-time.After(d):
	}
}
