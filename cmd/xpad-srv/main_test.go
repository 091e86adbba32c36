// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"io"
	stdlog "log"
	"testing"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/xpad/board/sim"
	"github.com/go-lpc/xpad/layout"
	"github.com/go-lpc/xpad/topo"
	"github.com/go-lpc/xpad/xpci"
)

func encodeAcquisition(t *testing.T, typ string, mask topo.Mask, chips int, texp, tovf uint32) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	enc := tdaq.NewEncoder(buf)
	enc.WriteStr(typ)
	enc.WriteU32(uint32(mask))
	enc.WriteU32(uint32(chips))
	enc.WriteU32(texp)
	enc.WriteU32(tovf)
	if err := enc.Err(); err != nil {
		t.Fatalf("could not encode acquisition: %+v", err)
	}
	return buf.Bytes()
}

func TestDecodeAcquisition(t *testing.T) {
	cur := acquisition{typ: layout.Image16, mask: 0x01, chips: 7, texp: 1, tovf: 2}

	got, err := decodeAcquisition(cur, nil)
	if err != nil {
		t.Fatalf("could not decode empty body: %+v", err)
	}
	if got != cur {
		t.Fatalf("invalid acquisition: got=%#v, want=%#v", got, cur)
	}

	got, err = decodeAcquisition(cur, encodeAcquisition(t, "32b", 0x03, 5, 100, 2000))
	if err != nil {
		t.Fatalf("could not decode body: %+v", err)
	}
	if want := (acquisition{typ: layout.Image32, mask: 0x03, chips: 5, texp: 100, tovf: 2000}); got != want {
		t.Fatalf("invalid acquisition: got=%#v, want=%#v", got, want)
	}

	for _, body := range [][]byte{
		encodeAcquisition(t, "8b", 0x03, 5, 100, 2000),
		encodeAcquisition(t, "16b", 0x03, 8, 100, 2000),
		encodeAcquisition(t, "16b", 0x03, 0, 100, 2000),
		{1, 2},
	} {
		_, err := decodeAcquisition(cur, body)
		if err == nil {
			t.Fatalf("expected an error for body %x", body)
		}
	}
}

func TestNode(t *testing.T) {
	card := sim.New(topo.S70)
	eng, err := xpci.New(card, topo.S70, xpci.WithLogger(stdlog.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatalf("could not create engine: %+v", err)
	}
	defer eng.Close()

	dev := newNode(eng)
	ctx := tdaq.Context{
		Ctx: context.Background(),
		Msg: log.NewMsgStream("xpad-srv", log.LvlError, io.Discard),
	}

	var resp tdaq.Frame
	err = dev.OnConfig(ctx, &resp, tdaq.Frame{})
	if err != nil {
		t.Fatalf("could not /config: %+v", err)
	}
	err = dev.OnInit(ctx, &resp, tdaq.Frame{})
	if err != nil {
		t.Fatalf("could not /init: %+v", err)
	}
	err = dev.OnStart(ctx, &resp, tdaq.Frame{})
	if err != nil {
		t.Fatalf("could not /start: %+v", err)
	}

	rctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- dev.run(tdaq.Context{Ctx: rctx, Msg: ctx.Msg})
	}()

	var want uint64
	for line := 1; line <= topo.ModuleRows; line++ {
		for col := 0; col < topo.MaxChips*topo.ChipCols; col++ {
			want += uint64(sim.Pixel(layout.Image16, 0, 0, line, col))
		}
	}

	for i := 0; i < 3; i++ {
		var dst tdaq.Frame
		err := dev.images(ctx, &dst)
		if err != nil {
			t.Fatalf("could not get image %d: %+v", i, err)
		}
		var img layout.Image
		err = img.UnmarshalBinary(dst.Body)
		if err != nil {
			t.Fatalf("could not decode image %d: %+v", i, err)
		}
		if img.Rows != topo.ModuleRows || img.Cols != topo.MaxChips*topo.ChipCols {
			t.Fatalf("invalid image %d shape: %dx%d", i, img.Rows, img.Cols)
		}
		var sum uint64
		for _, v := range img.Pix16 {
			sum += uint64(v)
		}
		if sum != want {
			t.Fatalf("invalid image %d content: sum=%d, want=%d", i, sum, want)
		}
	}

	cancel()
	err = <-done
	if err != nil {
		t.Fatalf("could not run: %+v", err)
	}

	err = dev.OnStop(ctx, &resp, tdaq.Frame{})
	if err != nil {
		t.Fatalf("could not /stop: %+v", err)
	}
	if dev.n < 3 {
		t.Fatalf("invalid number of images: %d", dev.n)
	}

	err = dev.OnReset(ctx, &resp, tdaq.Frame{})
	if err != nil {
		t.Fatalf("could not /reset: %+v", err)
	}
	if dev.n != 0 {
		t.Fatalf("reset did not clear the image counter: %d", dev.n)
	}
	err = dev.OnQuit(ctx, &resp, tdaq.Frame{})
	if err != nil {
		t.Fatalf("could not /quit: %+v", err)
	}
}

func TestNodeConfigMissing(t *testing.T) {
	card := sim.New(topo.S140, sim.WithModules(0x01))
	eng, err := xpci.New(card, topo.S140, xpci.WithLogger(stdlog.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatalf("could not create engine: %+v", err)
	}
	defer eng.Close()

	dev := newNode(eng)
	ctx := tdaq.Context{
		Ctx: context.Background(),
		Msg: log.NewMsgStream("xpad-srv", log.LvlError, io.Discard),
	}
	var resp tdaq.Frame
	err = dev.OnConfig(ctx, &resp, tdaq.Frame{Body: encodeAcquisition(t, "16b", 0x02, 7, 1, 2)})
	if err == nil {
		t.Fatalf("expected an error")
	}
}
