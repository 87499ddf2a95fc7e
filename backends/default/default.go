// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package _default registers the backends built into accelrt, namely the simulated "fake" device.
//
// To use it simply include:
//
//	import _ "github.com/gomlx/accelrt/backends/default"
//
// Backends for real devices live outside this module and register themselves the same way when imported.
package _default

import (
	_ "github.com/gomlx/accelrt/backends/fakedevice"
)
