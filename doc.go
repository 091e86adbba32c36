// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package xpad holds code to drive imXPAD hybrid pixel detectors through
// their PCIe DMA interface card.
//
// The detector is a tiling of modules, each a row of up to 7 chips of
// 120x80 pixels. Modules are reached through the DMA channels of the
// card, grouped according to the detector topology (see package topo).
// Package xpci implements the command and image acquisition engine,
// package layout reassembles the raw module lines into detector images
// and package burst streams long acquisitions to disk.
package xpad // import "github.com/go-lpc/xpad"

import (
	"fmt"
	"runtime/debug"
)

// Version returns the version of xpad and its checksum.
// The returned values are only valid in binaries built with module support.
func Version() (version, sum string) {
	b, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	return versionOf(b)
}

func versionOf(b *debug.BuildInfo) (version, sum string) {
	if b == nil {
		return "", ""
	}

	const root = "github.com/go-lpc/xpad"
	if b.Main.Path == root {
		return b.Main.Version, b.Main.Sum
	}
	for _, m := range b.Deps {
		if m.Path != root {
			continue
		}
		if m.Replace != nil {
			switch {
			case m.Replace.Version != "" && m.Replace.Path != "":
				return fmt.Sprintf("%s %s", m.Replace.Path, m.Replace.Version), m.Replace.Sum
			case m.Replace.Version != "":
				return m.Replace.Version, m.Replace.Sum
			case m.Replace.Path != "":
				return m.Replace.Path, m.Replace.Sum
			default:
				return m.Version + "*", ""
			}
		}
		return m.Version, m.Sum
	}
	return "", ""
}
