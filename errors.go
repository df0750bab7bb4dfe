// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package scd30

import "fmt"

// ReadyAnomalyError is returned by DataReady when the device answers the
// data-ready query with a word other than 0 or 1. Callers should log it
// and treat the sensor as not ready rather than fail hard.
type ReadyAnomalyError struct {
	// Value is the anomalous status word received from the device.
	Value uint16
}

func (e *ReadyAnomalyError) Error() string {
	return fmt.Sprintf("anomalous data-ready word 0x%04x, treating as not ready", e.Value)
}
