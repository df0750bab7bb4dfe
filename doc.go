// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package scd30 controls a Sensirion SCD30 CO2, temperature and humidity
// sensor over I²C.
//
// The SCD30 frames every value it exchanges as a 16-bit word protected by
// an 8-bit CRC; measurements are 32-bit floats split across two such
// words. The device does not support repeated-start reads, so every
// command is a write followed by a short settling pause and a separate
// read.
//
// Besides the physic.SenseEnv style Sense/SenseContinuous API the package
// provides a Poller that runs the sensor's data-ready cycle indefinitely
// and re-primes continuous measurement when the device stalls.
//
// # Datasheet
//
// https://sensirion.com/media/documents/4EAF6AF8/61652C3C/Sensirion_CO2_Sensors_SCD30_Datasheet.pdf
package scd30
