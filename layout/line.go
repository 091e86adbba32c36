// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package layout

import (
	"github.com/go-lpc/xpad/topo"
	"golang.org/x/xerrors"
)

// Line is a decoded raw line header.
type Line struct {
	Module int // 0-based module slot
	Image  int // image number, as counted by the module
	Row    int // 1..120
}

// CheckLine validates a raw line of lineWords words sent by one of the
// modules of mask.
func CheckLine(words []uint16, lineWords int, mask topo.Mask) (Line, error) {
	if len(words) < lineWords {
		return Line{}, xerrors.Errorf("layout: short line (got=%d, want=%d words)", len(words), lineWords)
	}
	if v := words[0]; v != LineHeader {
		return Line{}, xerrors.Errorf("layout: invalid line header (got=0x%04x)", v)
	}
	if v := words[lineWords-1]; v != LineTrailer {
		return Line{}, xerrors.Errorf("layout: invalid line trailer (got=0x%04x)", v)
	}
	if v := int(words[2]); v != lineWords {
		return Line{}, xerrors.Errorf("layout: invalid line length (got=0x%04x, want=0x%04x)", v, lineWords)
	}
	row := int(words[4])
	if row < 1 || row > topo.ModuleRows {
		return Line{}, xerrors.Errorf("layout: invalid line number %d", row)
	}
	mod := int(words[1]) - 1
	if !mask.Has(mod) {
		return Line{}, xerrors.Errorf("layout: line from module %d outside mask %v", mod, mask)
	}
	return Line{Module: mod, Image: int(words[3]), Row: row}, nil
}

// PutLine encodes a raw line into dst, which must hold LineWords(typ, chips)
// words. pix returns the value of the pixel at column col.
func PutLine(dst []uint16, typ Type, chips int, line Line, pix func(col int) uint32) {
	n := LineWords(typ, chips)
	dst[0] = LineHeader
	dst[1] = uint16(line.Module + 1)
	dst[2] = uint16(n)
	dst[3] = uint16(line.Image)
	dst[4] = uint16(line.Row)
	cols := chips * topo.ChipCols
	switch typ {
	case Image32:
		for c := 0; c < cols; c++ {
			v := pix(c)
			dst[lineHdrWords+2*c] = uint16(v)
			dst[lineHdrWords+2*c+1] = uint16(v >> 16)
		}
	default:
		for c := 0; c < cols; c++ {
			dst[lineHdrWords+c] = uint16(pix(c))
		}
	}
	dst[n-1] = LineTrailer
}
