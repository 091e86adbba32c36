// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package layout

import (
	"encoding/binary"

	"github.com/go-lpc/xpad/topo"
	"golang.org/x/xerrors"
)

// Image is a canonical, row-major detector image.
type Image struct {
	Type  Type
	Rows  int
	Cols  int
	Pix16 []uint16 // Image16 pixels
	Pix32 []uint32 // Image32 pixels
}

// NewImage allocates a zeroed canonical image for g.
func NewImage(g Geometry) *Image {
	img := &Image{Type: g.Type, Rows: g.Rows(), Cols: g.Cols()}
	switch g.Type {
	case Image32:
		img.Pix32 = make([]uint32, img.Rows*img.Cols)
	default:
		img.Pix16 = make([]uint16, img.Rows*img.Cols)
	}
	return img
}

// At returns the pixel value at (row, col).
func (img *Image) At(row, col int) uint32 {
	i := row*img.Cols + col
	if img.Type == Image32 {
		return img.Pix32[i]
	}
	return uint32(img.Pix16[i])
}

func (img *Image) set(row, col int, v uint32) {
	i := row*img.Cols + col
	if img.Type == Image32 {
		img.Pix32[i] = v
		return
	}
	img.Pix16[i] = uint16(v)
}

// RawSize returns the size in bytes of a raw image of the modules of mask.
func RawSize(g Geometry, mask topo.Mask) int {
	return 2 * g.LineWords() * topo.ModuleRows * mask.Count()
}

// Reassemble converts a raw image (little-endian 16-bit words, line framed)
// sent by the modules of mask into a canonical image.
// Any invalid line rejects the whole image.
func Reassemble(raw []byte, g Geometry, mask topo.Mask) (*Image, error) {
	img := NewImage(g)
	err := ReassembleInto(img, raw, g, mask)
	if err != nil {
		return nil, err
	}
	return img, nil
}

// ReassembleInto is like Reassemble but fills a preallocated image.
func ReassembleInto(img *Image, raw []byte, g Geometry, mask topo.Mask) error {
	if img.Type != g.Type || img.Rows != g.Rows() || img.Cols != g.Cols() {
		return xerrors.Errorf("layout: image geometry mismatch")
	}
	if err := g.Topo.Valid(mask); err != nil {
		return xerrors.Errorf("layout: invalid mask: %w", err)
	}
	if extra := mask &^ g.Topo.Full(); extra != 0 {
		return xerrors.Errorf("layout: modules %v not populated on %s", extra, g.Topo.Name)
	}
	if want := RawSize(g, mask); len(raw) < want {
		return xerrors.Errorf("layout: short raw image (got=%d, want=%d bytes)", len(raw), want)
	}

	var (
		n     = g.LineWords()
		lines = topo.ModuleRows * mask.Count()
		cols  = g.Cols()
		words = make([]uint16, n)
		wpp   = g.Type.Words()
	)
	for i := 0; i < lines; i++ {
		beg := 2 * n * i
		for j := range words {
			words[j] = binary.LittleEndian.Uint16(raw[beg+2*j:])
		}
		line, err := CheckLine(words, n, mask)
		if err != nil {
			return xerrors.Errorf("layout: invalid raw line %d: %w", i, err)
		}
		pix := words[lineHdrWords : lineHdrWords+cols*wpp]
		for c := 0; c < cols; c++ {
			var v uint32
			switch g.Type {
			case Image32:
				v = uint32(pix[2*c+1])<<16 + uint32(pix[2*c])
			default:
				v = uint32(pix[c])
			}
			row, col := g.Forward(line.Module, line.Row, c)
			img.set(row, col, v)
		}
	}
	return nil
}

const imageHdrSize = 12

// MarshalBinary encodes the image as a little-endian header (type, rows,
// cols as uint32) followed by the little-endian pixels.
func (img *Image) MarshalBinary() ([]byte, error) {
	n := img.Rows * img.Cols
	size := 2
	if img.Type == Image32 {
		size = 4
	}
	buf := make([]byte, imageHdrSize+size*n)
	binary.LittleEndian.PutUint32(buf[0:], uint32(img.Type))
	binary.LittleEndian.PutUint32(buf[4:], uint32(img.Rows))
	binary.LittleEndian.PutUint32(buf[8:], uint32(img.Cols))
	pix := buf[imageHdrSize:]
	switch img.Type {
	case Image32:
		if len(img.Pix32) != n {
			return nil, xerrors.Errorf("layout: invalid image (pixels=%d, want=%d)", len(img.Pix32), n)
		}
		for i, v := range img.Pix32 {
			binary.LittleEndian.PutUint32(pix[4*i:], v)
		}
	default:
		if len(img.Pix16) != n {
			return nil, xerrors.Errorf("layout: invalid image (pixels=%d, want=%d)", len(img.Pix16), n)
		}
		for i, v := range img.Pix16 {
			binary.LittleEndian.PutUint16(pix[2*i:], v)
		}
	}
	return buf, nil
}

// UnmarshalBinary decodes an image encoded with MarshalBinary.
func (img *Image) UnmarshalBinary(p []byte) error {
	if len(p) < imageHdrSize {
		return xerrors.Errorf("layout: short image header (got=%d bytes)", len(p))
	}
	var (
		typ  = Type(binary.LittleEndian.Uint32(p[0:]))
		rows = int(binary.LittleEndian.Uint32(p[4:]))
		cols = int(binary.LittleEndian.Uint32(p[8:]))
		pix  = p[imageHdrSize:]
		n    = rows * cols
	)
	switch typ {
	case Image16:
		if len(pix) != 2*n {
			return xerrors.Errorf("layout: invalid image payload (got=%d, want=%d bytes)", len(pix), 2*n)
		}
		*img = Image{Type: typ, Rows: rows, Cols: cols, Pix16: make([]uint16, n)}
		for i := range img.Pix16 {
			img.Pix16[i] = binary.LittleEndian.Uint16(pix[2*i:])
		}
	case Image32:
		if len(pix) != 4*n {
			return xerrors.Errorf("layout: invalid image payload (got=%d, want=%d bytes)", len(pix), 4*n)
		}
		*img = Image{Type: typ, Rows: rows, Cols: cols, Pix32: make([]uint32, n)}
		for i := range img.Pix32 {
			img.Pix32[i] = binary.LittleEndian.Uint32(pix[4*i:])
		}
	default:
		return xerrors.Errorf("layout: invalid image type %d", typ)
	}
	return nil
}
