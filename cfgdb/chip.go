// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cfgdb

// Detector describes a registered detector setup.
type Detector struct {
	ID       uint32 `json:"identifier"`
	Topology string `json:"topology"`
	Modules  uint32 `json:"modules"` // mask of the modules in use
	Chips    int    `json:"chips"`   // chips per module
	Config   string `json:"config"`  // name of the register configuration
}

// Globals holds the global register values of a chip, in the order they
// are loaded into the chip.
type Globals struct {
	CMOSDisable uint16 `json:"cmos_dis"`
	AmpTP       uint16 `json:"amp_tp"`
	ITHH        uint16 `json:"ithh"`
	VADJ        uint16 `json:"vadj"`
	VREF        uint16 `json:"vref"`
	IMFP        uint16 `json:"imfp"`
	IOTA        uint16 `json:"iota"`
	IPRE        uint16 `json:"ipre"`
	ITHL        uint16 `json:"ithl"`
	ITUNE       uint16 `json:"itune"`
	IBuffer     uint16 `json:"ibuffer"`
}

// Chip is the configuration of a single chip of a module.
type Chip struct {
	Module  int     `json:"module"`
	Chip    int     `json:"chip"`
	Globals Globals `json:"globals"`
}

// Mask returns the bit selecting the chip in a chip mask.
func (c Chip) Mask() uint16 { return 1 << uint(c.Chip) }
