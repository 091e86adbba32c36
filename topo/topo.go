// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package topo describes the physical arrangement of XPAD detector modules:
// which modules exist, how they are split over the two DMA channels and
// their four subchannels, and how their images are tiled together.
package topo // import "github.com/go-lpc/xpad/topo"

import (
	"fmt"
	"math/bits"
	"strings"
)

// MaxModules is the largest number of addressable modules.
const MaxModules = 20

// Mask is a set of module indices (bit i set: module i is addressed).
type Mask uint32

// Has returns whether module i is in the mask.
func (m Mask) Has(i int) bool {
	if i < 0 || i >= 32 {
		return false
	}
	return m&(1<<uint(i)) != 0
}

// Count returns the number of modules in the mask.
func (m Mask) Count() int { return bits.OnesCount32(uint32(m)) }

// First returns the lowest module index in the mask, or -1.
func (m Mask) First() int {
	if m == 0 {
		return -1
	}
	return bits.TrailingZeros32(uint32(m))
}

// Last returns the highest module index in the mask, or -1.
func (m Mask) Last() int {
	if m == 0 {
		return -1
	}
	return 31 - bits.LeadingZeros32(uint32(m))
}

// Modules returns the module indices of the mask, in increasing order.
func (m Mask) Modules() []int {
	o := make([]int, 0, m.Count())
	for v := uint32(m); v != 0; v &= v - 1 {
		o = append(o, bits.TrailingZeros32(v))
	}
	return o
}

func (m Mask) String() string { return fmt.Sprintf("0x%05x", uint32(m)) }

// Channel identifies one of the two DMA channels of the card.
type Channel int

const (
	Ch0 Channel = 0
	Ch1 Channel = 1
)

// Channels lists the DMA channels in issue order.
var Channels = [2]Channel{Ch0, Ch1}

// Transform identifies how module images are tiled into the canonical image.
type Transform int

const (
	// Stack places module k below module k-1.
	Stack Transform = iota
	// PairSwap exchanges the rows of modules (2k, 2k+1).
	PairSwap
	// RotateOdd rotates every second module by 180 degrees.
	RotateOdd
)

func (t Transform) String() string {
	switch t {
	case Stack:
		return "stack"
	case PairSwap:
		return "pair-swap"
	case RotateOdd:
		return "rotate-odd"
	}
	return fmt.Sprintf("Transform(%d)", int(t))
}

// quarter extracts the module sub-mask served by one subchannel.
type quarter struct {
	shift uint
	bits  Mask
}

func (q quarter) of(m Mask) Mask { return (m >> q.shift) & q.bits }

// Subchannel identifies one of the 4 subchannels feeding the RX FIFOs.
type Subchannel int

const (
	Sub0A Subchannel = iota
	Sub0B
	Sub1A
	Sub1B
)

func (s Subchannel) String() string {
	return [...]string{"0A", "0B", "1A", "1B"}[s]
}

// Topology is a detector model descriptor.
type Topology struct {
	Name      string
	Code      int     // system type code
	Modules   int     // number of module slots
	Start     int     // index of the first populated module slot
	Channels  [2]Mask // modules served by each channel
	IDBits    uint16  // bits carried by the reply source word
	Transform Transform
	Split     bool // mask word is split across channels

	quarters [4]quarter
}

var (
	defaultQuarters = [4]quarter{
		Sub0A: {4, 0x3},
		Sub0B: {6, 0x3},
		Sub1A: {0, 0x3},
		Sub1B: {2, 0x3},
	}
	defaultChannels = [2]Mask{Ch0: 0xf0, Ch1: 0x0f}
)

// Descriptors of the supported detector models.
var (
	HUB = Topology{
		Name: "HUB", Code: 0, Modules: 8,
		Channels: defaultChannels, IDBits: 0xf,
		Transform: Stack, quarters: defaultQuarters,
	}
	Backplane = Topology{
		Name: "BACKPLANE", Code: 200, Modules: 8,
		Channels: defaultChannels, IDBits: 0xff,
		Transform: Stack, quarters: defaultQuarters,
	}
	S70 = Topology{
		Name: "S70", Code: 101, Modules: 1,
		Channels: defaultChannels, IDBits: 0xf,
		Transform: Stack, quarters: defaultQuarters,
	}
	S140 = Topology{
		Name: "S140", Code: 102, Modules: 2,
		Channels: defaultChannels, IDBits: 0xf,
		Transform: RotateOdd, quarters: defaultQuarters,
	}
	S340 = Topology{
		Name: "S340", Code: 201, Modules: 5,
		Channels: defaultChannels, IDBits: 0xf,
		Transform: PairSwap, quarters: defaultQuarters,
	}
	S420 = Topology{
		Name: "S420", Code: 202, Modules: 6, Start: 2,
		Channels: defaultChannels, IDBits: 0xff,
		Transform: PairSwap, quarters: defaultQuarters,
	}
	S540 = Topology{
		Name: "S540", Code: 103, Modules: 8,
		Channels: defaultChannels, IDBits: 0xf,
		Transform: Stack, quarters: defaultQuarters,
	}
	S700 = Topology{
		Name: "S700", Code: 104, Modules: 10,
		Channels: [2]Mask{Ch0: 0x3e0, Ch1: 0x01f}, IDBits: 0xf,
		Transform: Stack,
		quarters: [4]quarter{
			Sub0A: {5, 0x1f},
			Sub1A: {0, 0x1f},
		},
	}
	S1400 = Topology{
		Name: "S1400", Code: 105, Modules: 20,
		Channels: [2]Mask{Ch0: 0xffc00, Ch1: 0x003ff}, IDBits: 0x1f,
		Transform: Stack, Split: true,
		quarters: [4]quarter{
			Sub0A: {15, 0x1f},
			Sub0B: {10, 0x1f},
			Sub1A: {0, 0x1f},
			Sub1B: {5, 0x1f},
		},
	}
)

// All lists every known topology.
var All = []Topology{HUB, Backplane, S70, S140, S340, S420, S540, S700, S1400}

// ByName returns the topology with the given (case-insensitive) name.
func ByName(name string) (Topology, error) {
	for _, t := range All {
		if strings.EqualFold(t.Name, name) {
			return t, nil
		}
	}
	return Topology{}, fmt.Errorf("topo: unknown topology %q", name)
}

// ByCode returns the topology with the given system type code.
func ByCode(code int) (Topology, error) {
	for _, t := range All {
		if t.Code == code {
			return t, nil
		}
	}
	return Topology{}, fmt.Errorf("topo: unknown system code %d", code)
}

func (t Topology) String() string { return t.Name }

// Addressable returns the mask of all module slots reachable on this topology.
func (t Topology) Addressable() Mask {
	return t.Channels[Ch0] | t.Channels[Ch1]
}

// Full returns the mask of every populated module slot.
func (t Topology) Full() Mask {
	return (Mask((uint32(1)<<uint(t.Modules))-1) << uint(t.Start)) & t.Addressable()
}

// Valid returns an error when m is empty or addresses modules the topology
// cannot reach.
func (t Topology) Valid(m Mask) error {
	if m == 0 {
		return fmt.Errorf("topo: empty module mask")
	}
	if extra := m &^ t.Addressable(); extra != 0 {
		return fmt.Errorf("topo: mask %v addresses modules %v outside %s", m, extra, t.Name)
	}
	return nil
}

// PerChannel returns the modules of m served by channel ch.
func (t Topology) PerChannel(m Mask, ch Channel) Mask {
	return m & t.Channels[ch]
}

// ChannelCount returns the number of modules of m served by channel ch.
func (t Topology) ChannelCount(m Mask, ch Channel) int {
	return t.PerChannel(m, ch).Count()
}

// Used reports whether any module of m is served by channel ch.
func (t Topology) Used(m Mask, ch Channel) bool {
	return t.PerChannel(m, ch) != 0
}

// Quarter returns the modules of m served by subchannel s.
func (t Topology) Quarter(m Mask, s Subchannel) Mask {
	return t.quarters[s].of(m)
}

// MaskWord returns the 16-bit module mask word to put into a command frame
// sent on channel ch.
func (t Topology) MaskWord(m Mask, ch Channel) uint16 {
	if !t.Split {
		return uint16(m)
	}
	switch ch {
	case Ch1:
		return uint16(m & 0x3ff)
	default:
		return uint16((m>>10)&0x3ff) | 0x400
	}
}

// Local returns the position of module id (0-based slot index) within the
// populated modules of the topology.
func (t Topology) Local(id int) int { return id - t.Start }

// Rows returns the canonical image height.
func (t Topology) Rows() int { return ModuleRows * t.Modules }

// Geometry of a single module.
const (
	ModuleRows = 120
	ChipCols   = 80
	MaxChips   = 7
)
