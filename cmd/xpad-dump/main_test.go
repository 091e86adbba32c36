// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/astrogo/fitsio"
	"github.com/go-lpc/xpad/board/sim"
	"github.com/go-lpc/xpad/layout"
	"github.com/go-lpc/xpad/topo"
	"github.com/go-lpc/xpad/xpci"
)

// makeBurst acquires a burst of n images with a simulated S70 card.
func makeBurst(t *testing.T, dir string, id, n int) {
	t.Helper()
	card := sim.New(topo.S70)
	eng, err := xpci.New(card, topo.S70,
		xpci.WithLogger(log.New(io.Discard, "", 0)),
		xpci.WithBurstDir(dir),
	)
	if err != nil {
		t.Fatalf("could not create engine: %+v", err)
	}
	defer eng.Close()

	ctx := context.Background()
	err = eng.SendExposureParam(ctx, 0x01, xpci.ExposureParam{Texp: 1000, Twait: 100, Tovf: 4000, Images: n})
	if err != nil {
		t.Fatalf("could not send exposure parameters: %+v", err)
	}
	err = eng.StartStreamingBurst(ctx, layout.Image16, 0x01, topo.MaxChips, n, id)
	if err != nil {
		t.Fatalf("could not start burst: %+v", err)
	}
	err = eng.Wait(ctx)
	if err != nil {
		t.Fatalf("could not acquire burst: %+v", err)
	}
}

func TestProcess(t *testing.T) {
	const (
		id = 4
		n  = 3
	)
	dir := t.TempDir()
	makeBurst(t, dir, id, n)

	opts, err := newOptions(dir, id, "S70", "16b", "0x1", topo.MaxChips)
	if err != nil {
		t.Fatalf("could not create options: %+v", err)
	}
	opts.fits = filepath.Join(dir, "burst.fits")
	opts.hist = filepath.Join(dir, "pixels.yoda")

	var out strings.Builder
	err = process(&out, opts)
	if err != nil {
		t.Fatalf("could not process burst: %+v", err)
	}

	var (
		rows = topo.ModuleRows
		cols = topo.MaxChips * topo.ChipCols
	)
	for i := 0; i < n; i++ {
		var sum uint64
		for line := 1; line <= rows; line++ {
			for col := 0; col < cols; col++ {
				sum += uint64(sim.Pixel(layout.Image16, 0, i, line, col))
			}
		}
		want := fmt.Sprintf("image % 4d: sum=% 12d", i, sum)
		if !strings.Contains(out.String(), want) {
			t.Fatalf("missing image summary %q:\n%s", want, out.String())
		}
	}
	if want := fmt.Sprintf("entries=%d", n*rows*cols); !strings.Contains(out.String(), want) {
		t.Fatalf("missing histogram summary %q:\n%s", want, out.String())
	}

	yoda, err := os.ReadFile(opts.hist)
	if err != nil {
		t.Fatalf("could not read histogram: %+v", err)
	}
	if !strings.Contains(string(yoda), "BEGIN YODA_HISTO1D") {
		t.Fatalf("invalid YODA file:\n%s", yoda)
	}

	f, err := os.Open(opts.fits)
	if err != nil {
		t.Fatalf("could not open FITS file: %+v", err)
	}
	defer f.Close()

	fits, err := fitsio.Open(f)
	if err != nil {
		t.Fatalf("could not decode FITS file: %+v", err)
	}
	defer fits.Close()

	img, ok := fits.HDU(0).(fitsio.Image)
	if !ok {
		t.Fatalf("invalid FITS HDU type %T", fits.HDU(0))
	}
	if got, want := img.Header().Axes(), []int{cols, rows, n}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid FITS axes: got=%v, want=%v", got, want)
	}
	if card := img.Header().Get("TOPOLOGY"); card == nil || strings.TrimSpace(fmt.Sprint(card.Value)) != "S70" {
		t.Fatalf("invalid TOPOLOGY card: %+v", card)
	}

	data := make([]int16, 0, n*rows*cols)
	err = img.Read(&data)
	if err != nil {
		t.Fatalf("could not read FITS image: %+v", err)
	}
	if got, want := len(data), n*rows*cols; got != want {
		t.Fatalf("invalid FITS image size: got=%d, want=%d", got, want)
	}

	geo := layout.Geometry{Topo: topo.S70, Type: layout.Image16, Chips: topo.MaxChips}
	for _, px := range []struct{ i, line, col int }{{0, 1, 0}, {1, 60, 300}, {2, 120, cols - 1}} {
		row, col := geo.Forward(0, px.line, px.col)
		got := uint16(data[px.i*rows*cols+row*cols+col]) + 1<<15
		want := uint16(sim.Pixel(layout.Image16, 0, px.i, px.line, px.col))
		if got != want {
			t.Fatalf("invalid pixel %+v: got=%d, want=%d", px, got, want)
		}
	}
}

func TestNewOptions(t *testing.T) {
	for _, tc := range []struct {
		name  string
		topo  string
		typ   string
		mask  string
		chips int
	}{
		{"topology", "S999", "16b", "", 7},
		{"type", "S70", "8b", "", 7},
		{"mask", "S70", "16b", "0xzz", 7},
		{"mask-range", "S70", "16b", "0x100000", 7},
		{"chips", "S70", "16b", "", 8},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newOptions(".", 0, tc.topo, tc.typ, tc.mask, tc.chips)
			if err == nil {
				t.Fatalf("expected an error")
			}
		})
	}

	opts, err := newOptions(".", 0, "S540", "32b", "", 7)
	if err != nil {
		t.Fatalf("could not create options: %+v", err)
	}
	if got, want := opts.mask, topo.S540.Full(); got != want {
		t.Fatalf("invalid default mask: got=%v, want=%v", got, want)
	}
}

func TestProcessMissing(t *testing.T) {
	opts, err := newOptions(t.TempDir(), 1, "S70", "16b", "", 7)
	if err != nil {
		t.Fatalf("could not create options: %+v", err)
	}
	err = process(io.Discard, opts)
	if err == nil {
		t.Fatalf("expected an error")
	}
}
