// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package devices selects the device an execution context runs on, and queries its hardware limits.
package devices

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/gomlx/accelrt/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrNoUsableDevice is returned by Select when every enumerated device is unusable (or there are none).
var ErrNoUsableDevice = errors.New("no suitable device found")

// Preference of device: the Index-th (0-based) usable device whose name contains Substring.
//
// The zero value means no preference: the most capable device is selected.
type Preference struct {
	Substring string
	Index     int
}

// IsSet returns whether p expresses any preference.
func (p Preference) IsSet() bool {
	return p.Substring != "" || p.Index > 0
}

// String returns the preference in the format accepted by ParsePreference.
func (p Preference) String() string {
	if p.Index == 0 {
		return p.Substring
	}
	if p.Substring == "" {
		return "#" + strconv.Itoa(p.Index)
	}
	return "#" + strconv.Itoa(p.Index) + " " + p.Substring
}

// ParsePreference parses a device preference string: an optional "#<n>" prefix selecting the n-th match,
// followed by the substring to look for in device names.
//
// E.g.: "Tesla" is the first device with "Tesla" in its name, "#1 Tesla" is the second one, and "#2" is the
// third usable device.
func ParsePreference(s string) Preference {
	var p Preference
	if rest, found := strings.CutPrefix(s, "#"); found {
		digits := 0
		for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
			p.Index = p.Index*10 + int(rest[digits]-'0')
			digits++
		}
		s = strings.TrimLeftFunc(rest[digits:], unicode.IsSpace)
	}
	p.Substring = s
	return p
}

// Select one device from devs, in a single pass over the list.
//
// Prohibited devices are skipped. The most capable device seen is kept as fallback, the first one wins ties.
// If the preference is set, devices whose name contains the preferred substring are counted, and the one
// reaching the count pref.Index+1 is selected right away. Without a matching device, the fallback is
// selected.
//
// The order of devs is the tie-break: selection is deterministic for a given enumeration.
func Select(devs []backends.DeviceInfo, pref Preference) (backends.DeviceInfo, error) {
	best := -1
	numMatches := 0
	for ii, dev := range devs {
		if dev.Prohibited {
			klog.V(1).Infof("device %s is compute-prohibited, ignoring", dev)
			continue
		}
		if best == -1 || devs[best].Capability.Less(dev.Capability) {
			best = ii
		}
		if pref.IsSet() && strings.Contains(dev.Name, pref.Substring) {
			numMatches++
			if numMatches == pref.Index+1 {
				return dev, nil
			}
		}
	}
	if best == -1 {
		return backends.DeviceInfo{}, errors.WithStack(ErrNoUsableDevice)
	}
	if pref.IsSet() {
		klog.V(1).Infof("no device matched preference %q, using most capable device %s", pref, devs[best])
	}
	return devs[best], nil
}
