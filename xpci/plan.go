// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xpci

import (
	"fmt"

	"github.com/go-lpc/xpad/board"
	"github.com/go-lpc/xpad/layout"
	"github.com/go-lpc/xpad/topo"
)

// Plan describes how the raw image of a set of modules is split into DMA
// transfers on both channels.
type Plan struct {
	Type  layout.Type
	Chips int
	Mask  topo.Mask

	LineWords         int // raw line length, in 16-bit words
	TransferBytes     int // size of one DMA transfer
	ImageBytes        int // size of the raw image of one module
	TransfersPerImage int // transfers per module image

	Modules    [2][]int // modules served by each channel, ascending
	Parallel   int      // transfers issued in lock-step on both channels
	Sequential int      // transfers left on the channel serving more modules

	rank map[int]int // position of a module in the raw image
}

// NewPlan computes the transfer plan of an image of type typ read from the
// modules of mask, each with chips chips.
func NewPlan(t topo.Topology, typ layout.Type, chips int, mask topo.Mask) (Plan, error) {
	if chips < 1 || chips > topo.MaxChips {
		return Plan{}, fmt.Errorf("xpci: invalid number of chips per module %d", chips)
	}
	if typ != layout.Image16 && typ != layout.Image32 {
		return Plan{}, fmt.Errorf("xpci: invalid image type %v", typ)
	}
	if err := t.Valid(mask); err != nil {
		return Plan{}, fmt.Errorf("xpci: invalid module mask: %w", err)
	}
	if extra := mask &^ t.Full(); extra != 0 {
		return Plan{}, fmt.Errorf("xpci: modules %v not populated on %s", extra, t.Name)
	}

	var (
		tpi   = typ.Transfers()
		lw    = layout.LineWords(typ, chips)
		lines = topo.ModuleRows / tpi
	)
	p := Plan{
		Type:              typ,
		Chips:             chips,
		Mask:              mask,
		LineWords:         lw,
		TransferBytes:     2 * lines * lw,
		TransfersPerImage: tpi,
		rank:              make(map[int]int, mask.Count()),
	}
	p.ImageBytes = p.TransferBytes * tpi
	if p.TransferBytes > board.FIFOMax {
		return Plan{}, fmt.Errorf("xpci: transfer of %d bytes exceeds the RX FIFO", p.TransferBytes)
	}

	for i, mod := range mask.Modules() {
		p.rank[mod] = i
	}
	for _, ch := range topo.Channels {
		p.Modules[ch] = t.PerChannel(mask, ch).Modules()
	}

	var (
		n0 = len(p.Modules[topo.Ch0])
		n1 = len(p.Modules[topo.Ch1])
	)
	p.Parallel = 2 * min(n0, n1) * tpi
	p.Sequential = max(n0, n1) - min(n0, n1)
	p.Sequential *= tpi

	return p, nil
}

// Steps returns the number of lock-step iterations, each reading one
// transfer on each channel.
func (p Plan) Steps() int { return p.Parallel / 2 }

// RawSize returns the size of the raw image of all the modules.
func (p Plan) RawSize() int { return p.ImageBytes * p.Mask.Count() }

// Geometry returns the canonical image geometry of the plan on t.
func (p Plan) Geometry(t topo.Topology) layout.Geometry {
	return layout.Geometry{Topo: t, Type: p.Type, Chips: p.Chips}
}

// surplus returns the channel serving more modules.
func (p Plan) surplus() topo.Channel {
	if len(p.Modules[topo.Ch1]) > len(p.Modules[topo.Ch0]) {
		return topo.Ch1
	}
	return topo.Ch0
}

// offset returns the position in the raw image of the k-th transfer read on
// channel ch. Modules are laid out in ascending order.
func (p Plan) offset(ch topo.Channel, k int) int {
	mod := p.Modules[ch][k/p.TransfersPerImage]
	return p.rank[mod]*p.ImageBytes + (k%p.TransfersPerImage)*p.TransferBytes
}

func (p Plan) String() string {
	return fmt.Sprintf(
		"plan{%v, chips=%d, mask=%v, transfer=%d bytes, image=%d bytes/module, parallel=%d, sequential=%d}",
		p.Type, p.Chips, p.Mask, p.TransferBytes, p.ImageBytes, p.Parallel, p.Sequential,
	)
}
