// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package layout converts raw, line-framed module data into canonical
// detector images.
package layout // import "github.com/go-lpc/xpad/layout"

import (
	"fmt"

	"github.com/go-lpc/xpad/topo"
)

// Type is the pixel depth of an image.
type Type int

const (
	Image16 Type = iota // 16-bit pixels
	Image32             // 32-bit pixels, two words per pixel
)

func (t Type) String() string {
	switch t {
	case Image16:
		return "16b"
	case Image32:
		return "32b"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// ParseType parses "16b"/"32b" (also "16"/"32", "2B"/"4B").
func ParseType(s string) (Type, error) {
	switch s {
	case "16b", "16", "2B", "b2", "B2":
		return Image16, nil
	case "32b", "32", "4B", "b4", "B4":
		return Image32, nil
	}
	return 0, fmt.Errorf("layout: invalid image type %q", s)
}

// Words returns the number of raw 16-bit words per pixel.
func (t Type) Words() int {
	if t == Image32 {
		return 2
	}
	return 1
}

// Transfers returns the number of DMA transfers a module image is split in.
func (t Type) Transfers() int {
	if t == Image32 {
		return 3
	}
	return 2
}

const (
	LineHeader  uint16 = 0xaa55
	LineTrailer uint16 = 0xf0f0

	lineHdrWords = 5 // header, module, length, image, row
)

// LineWords returns the number of 16-bit words of a raw line.
func LineWords(t Type, chips int) int {
	return chips*topo.ChipCols*t.Words() + lineHdrWords + 1
}

// Geometry describes the canonical image produced for a topology.
type Geometry struct {
	Topo  topo.Topology
	Type  Type
	Chips int
}

// Rows returns the canonical image height.
func (g Geometry) Rows() int { return g.Topo.Rows() }

// Cols returns the canonical image width.
func (g Geometry) Cols() int { return g.Chips * topo.ChipCols }

// LineWords returns the raw line length in 16-bit words.
func (g Geometry) LineWords() int { return LineWords(g.Type, g.Chips) }

// Forward maps pixel (line, col) of module (0-based slot index, line in
// 1..120) to its canonical (row, col) position.
func (g Geometry) Forward(module, line, col int) (int, int) {
	local := g.Topo.Local(module)
	switch g.Topo.Transform {
	case topo.PairSwap:
		local = g.partner(local)
	case topo.RotateOdd:
		if local%2 == 1 {
			chip := col / topo.ChipCols
			c := col % topo.ChipCols
			return local*topo.ModuleRows + topo.ModuleRows - line,
				chip*topo.ChipCols + topo.ChipCols - 1 - c
		}
	}
	return local*topo.ModuleRows + line - 1, col
}

// Inverse maps a canonical (row, col) position back to its module slot,
// line (1..120) and column.
func (g Geometry) Inverse(row, col int) (module, line, c int) {
	local := row / topo.ModuleRows
	r := row % topo.ModuleRows
	switch g.Topo.Transform {
	case topo.PairSwap:
		local = g.partner(local)
	case topo.RotateOdd:
		if local%2 == 1 {
			chip := col / topo.ChipCols
			cc := col % topo.ChipCols
			return local + g.Topo.Start, topo.ModuleRows - r,
				chip*topo.ChipCols + topo.ChipCols - 1 - cc
		}
	}
	return local + g.Topo.Start, r + 1, col
}

// partner returns the position of a module within its swapped pair.
// A trailing unpaired module keeps its position.
func (g Geometry) partner(local int) int {
	if local%2 == 1 {
		return local - 1
	}
	if local+1 < g.Topo.Modules {
		return local + 1
	}
	return local
}
