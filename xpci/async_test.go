// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xpci

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-lpc/xpad/board/sim"
	"github.com/go-lpc/xpad/burst"
	"github.com/go-lpc/xpad/layout"
	"github.com/go-lpc/xpad/topo"
)

func TestStreamingBurst(t *testing.T) {
	const (
		id    = 7
		count = 12
		mask  = topo.Mask(0x18)
	)
	var (
		dir = t.TempDir()
		cnt = filepath.Join(dir, "counter.bin")
	)
	e, card := newTestEngine(t, topo.S540, nil,
		WithBurstDir(dir),
		WithCounterFile(cnt),
		WithRingCapacity(3),
	)

	ctx := context.Background()
	err := e.SendExposureParam(ctx, mask, exposure(layout.Image16, count))
	if err != nil {
		t.Fatalf("could not send exposure parameters: %+v", err)
	}

	err = e.StartStreamingBurst(ctx, layout.Image16, mask, 7, count, id)
	if err != nil {
		t.Fatalf("could not start burst: %+v", err)
	}

	err = e.Wait(ctx)
	if err != nil {
		t.Fatalf("burst failed: %+v", err)
	}
	if e.IsPending() {
		t.Fatalf("burst should be over")
	}

	files, err := burst.Files(dir, id)
	if err != nil {
		t.Fatalf("could not list burst files: %+v", err)
	}
	if got, want := len(files), count; got != want {
		t.Fatalf("invalid number of burst files: got=%d, want=%d", got, want)
	}

	last, err := burst.ReadCounter(cnt)
	if err != nil {
		t.Fatalf("could not read burst counter: %+v", err)
	}
	if got, want := last, count-1; got != want {
		t.Fatalf("invalid burst counter: got=%d, want=%d", got, want)
	}

	geo := layout.Geometry{Topo: topo.S540, Type: layout.Image16, Chips: 7}
	for _, i := range []int{0, 5, count - 1} {
		img, err := e.ImageFromBurst(layout.Image16, mask, 7, id, i)
		if err != nil {
			t.Fatalf("could not read image %d from burst: %+v", i, err)
		}
		checkImage(t, img, geo, mask, i)
	}

	_, err = e.ImageFromBurst(layout.Image16, mask, 7, id, count)
	if err == nil {
		t.Fatalf("expected an error reading past the burst")
	}
	if got, want := card.Locked(), 1; got != want {
		t.Fatalf("leaked DMA buffers: got=%d, want=%d", got, want)
	}

	// a new burst with the same id replaces the old files.
	err = e.SendExposureParam(ctx, mask, exposure(layout.Image16, 2))
	if err != nil {
		t.Fatalf("could not send exposure parameters: %+v", err)
	}
	err = e.StartStreamingBurst(ctx, layout.Image16, mask, 7, 2, id)
	if err != nil {
		t.Fatalf("could not start burst: %+v", err)
	}
	err = e.Wait(ctx)
	if err != nil {
		t.Fatalf("burst failed: %+v", err)
	}
	files, err = burst.Files(dir, id)
	if err != nil {
		t.Fatalf("could not list burst files: %+v", err)
	}
	if got, want := len(files), 2; got != want {
		t.Fatalf("invalid number of burst files: got=%d, want=%d", got, want)
	}
}

func TestStreamingBurstAbort(t *testing.T) {
	const (
		id    = 1
		count = 1000
	)
	dir := t.TempDir()
	e, _ := newTestEngine(t, topo.S70, []sim.Option{sim.WithDelay(time.Millisecond)},
		WithBurstDir(dir),
	)

	ctx := context.Background()
	err := e.SendExposureParam(ctx, 0x01, exposure(layout.Image16, count))
	if err != nil {
		t.Fatalf("could not send exposure parameters: %+v", err)
	}

	err = e.StartStreamingBurst(ctx, layout.Image16, 0x01, 7, count, id)
	if err != nil {
		t.Fatalf("could not start burst: %+v", err)
	}
	if !e.IsPending() {
		t.Fatalf("burst should be pending")
	}

	err = e.StartStreamingBurst(ctx, layout.Image16, 0x01, 7, count, id+1)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrBusy)
	}

	waitFor(t, "5 images", func() bool { return e.LastAcquiredIndex() >= 4 })
	e.Abort()

	err = e.Wait(ctx)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrAborted)
	}

	files, err := burst.Files(dir, id)
	if err != nil {
		t.Fatalf("could not list burst files: %+v", err)
	}
	if n := len(files); n < 5 || n >= count {
		t.Fatalf("invalid number of burst files: %d", n)
	}
	// every acquired image reached the disk.
	if got, want := len(files), e.LastAcquiredIndex()+1; got != want {
		t.Fatalf("invalid number of burst files: got=%d, want=%d", got, want)
	}
}

func TestStreamingBurstCallerContext(t *testing.T) {
	dir := t.TempDir()
	e, _ := newTestEngine(t, topo.S70, nil, WithBurstDir(dir))

	ctx, cancel := context.WithCancel(context.Background())
	err := e.SendExposureParam(ctx, 0x01, exposure(layout.Image16, 4))
	if err != nil {
		t.Fatalf("could not send exposure parameters: %+v", err)
	}

	err = e.StartStreamingBurst(ctx, layout.Image16, 0x01, 7, 4, 3)
	if err != nil {
		t.Fatalf("could not start burst: %+v", err)
	}
	// the burst outlives the request that started it.
	cancel()

	err = e.Wait(context.Background())
	if err != nil {
		t.Fatalf("burst failed: %+v", err)
	}
	files, err := burst.Files(dir, 3)
	if err != nil {
		t.Fatalf("could not list burst files: %+v", err)
	}
	if got, want := len(files), 4; got != want {
		t.Fatalf("invalid number of burst files: got=%d, want=%d", got, want)
	}
}
