// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package co2term renders SCD30 readings to a terminal using ANSI color
// codes. Each measurement becomes one line led by a colored block that
// shifts from green at 500 ppm CO2 to red at 1500 ppm and above, a
// console stand-in for an RGB status LED.
package co2term

import (
	"bytes"
	"fmt"
	"image/color"
	"io"

	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"
	"periph.io/x/scd30"
)

// Opts represents the options available for the printer.
type Opts struct {
	// W is the destination stream. Defaults to a colorable stdout.
	W io.Writer
	// Palette maps colors to ANSI codes.
	Palette *ansi256.Palette
}

// Printer writes measurements and status lines to a terminal. It
// implements scd30.Presenter.
type Printer struct {
	w       io.Writer
	palette ansi256.Palette

	buf bytes.Buffer
}

// New returns a Printer. The Opts can be nil.
func New(opts *Opts) *Printer {
	if opts == nil {
		opts = &Opts{}
	}
	w := opts.W
	if w == nil {
		w = colorable.NewColorableStdout()
	}
	p := opts.Palette
	if p == nil {
		p = ansi256.Default
	}
	return &Printer{w: w, palette: *p}
}

// ppmColor maps a CO2 concentration to an indicator color: green at
// 500 ppm and below, shifting linearly to red at 1500 ppm and above.
func ppmColor(ppm float32) color.NRGBA {
	v := float64(ppm) - 500
	if v < 0 {
		v = 0
	}
	r := v / 4
	if r > 255 {
		r = 255
	}
	return color.NRGBA{R: uint8(r), G: uint8(255 - r), B: 0, A: 255}
}

// Measurement implements scd30.Presenter. It prints one line per
// reading.
func (p *Printer) Measurement(m scd30.Measurement) {
	p.buf.Reset()
	_, _ = io.WriteString(&p.buf, p.palette.Block(ppmColor(float32(m.CO2))))
	_, _ = io.WriteString(&p.buf, "\033[0m ")
	_, _ = io.WriteString(&p.buf, m.String())
	_, _ = io.WriteString(&p.buf, "\n")
	_, _ = p.buf.WriteTo(p.w)
}

// Status implements scd30.Presenter. Status lines are printed uncolored.
func (p *Printer) Status(msg string) {
	_, _ = fmt.Fprintln(p.w, msg)
}

var _ scd30.Presenter = &Printer{}
