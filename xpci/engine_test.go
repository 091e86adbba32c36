// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xpci

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/go-lpc/xpad/board"
	"github.com/go-lpc/xpad/board/sim"
	"github.com/go-lpc/xpad/frame"
	"github.com/go-lpc/xpad/layout"
	"github.com/go-lpc/xpad/topo"
)

func newTestEngine(t *testing.T, tp topo.Topology, sopts []sim.Option, opts ...Option) (*Engine, *sim.Card) {
	t.Helper()
	card := sim.New(tp, sopts...)
	opts = append([]Option{WithLogger(log.New(io.Discard, "xpci: ", 0))}, opts...)
	e, err := New(card, tp, opts...)
	if err != nil {
		t.Fatalf("could not create engine: %+v", err)
	}
	t.Cleanup(func() {
		err := e.Close()
		if err != nil {
			t.Errorf("could not close engine: %+v", err)
		}
	})
	return e, card
}

// checkImage checks img holds image n sent by the modules of mask.
func checkImage(t *testing.T, img *layout.Image, geo layout.Geometry, mask topo.Mask, n int) {
	t.Helper()
	if img.Rows != geo.Rows() || img.Cols != geo.Cols() {
		t.Fatalf("invalid image shape: got=%dx%d, want=%dx%d", img.Rows, img.Cols, geo.Rows(), geo.Cols())
	}
	for _, mod := range mask.Modules() {
		for line := 1; line <= topo.ModuleRows; line++ {
			for col := 0; col < geo.Cols(); col++ {
				row, c := geo.Forward(mod, line, col)
				got := img.At(row, c)
				want := sim.Pixel(geo.Type, mod, n, line, col)
				if got != want {
					t.Fatalf(
						"image %d: invalid pixel (mod=%d, line=%d, col=%d) at (%d,%d): got=0x%x, want=0x%x",
						n, mod, line, col, row, c, got, want,
					)
				}
			}
		}
	}
}

func TestNewTimeouts(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts []Option
		err  string
	}{
		{
			name: "default",
		},
		{
			name: "cmd-too-short",
			opts: []Option{WithCommandTimeout(time.Second)},
			err:  "command timeout",
		},
		{
			name: "img-too-short",
			opts: []Option{WithImageTimeout(500 * time.Millisecond)},
			err:  "image timeout",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			card := sim.New(topo.S540)
			opts := append([]Option{WithLogger(log.New(io.Discard, "", 0))}, tc.opts...)
			e, err := New(card, topo.S540, opts...)
			switch {
			case err == nil && tc.err == "":
				defer e.Close()
				if got, want := e.State(), Idle; got != want {
					t.Fatalf("invalid state: got=%v, want=%v", got, want)
				}
				if got, want := card.Locked(), 1; got != want {
					t.Fatalf("invalid number of locked buffers: got=%d, want=%d", got, want)
				}
			case err == nil && tc.err != "":
				e.Close()
				t.Fatalf("expected an error (%s)", tc.err)
			case err != nil && tc.err == "":
				t.Fatalf("could not create engine: %+v", err)
			case !strings.Contains(err.Error(), tc.err):
				t.Fatalf("invalid error: got=%q, want=%q", err, tc.err)
			}
		})
	}
}

func TestCode(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want int
	}{
		{nil, 0},
		{ErrAborted, 1},
		{ErrReset, 1},
		{fmt.Errorf("xpci: could not read: %w", ErrAborted), 1},
		{ErrSoftTimeout, -1},
		{ErrBusy, -1},
		{&DMAError{Channel: topo.Ch1, Status: board.StatusTimeout}, -1},
		{errors.New("boom"), -1},
	} {
		t.Run(fmt.Sprintf("%v", tc.err), func(t *testing.T) {
			if got := Code(tc.err); got != tc.want {
				t.Fatalf("invalid code: got=%d, want=%d", got, tc.want)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	for _, tc := range []struct {
		s    State
		want string
	}{
		{Idle, "idle"},
		{Armed, "armed"},
		{Exposing, "exposing"},
		{Reading, "reading"},
		{Draining, "draining"},
		{Closed, "closed"},
		{State(42), "State(42)"},
	} {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("invalid string: got=%q, want=%q", got, tc.want)
		}
	}
}

func TestClose(t *testing.T) {
	card := sim.New(topo.S140)
	e, err := New(card, topo.S140, WithLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatalf("could not create engine: %+v", err)
	}
	err = e.Close()
	if err != nil {
		t.Fatalf("could not close engine: %+v", err)
	}
	if got, want := card.Locked(), 0; got != want {
		t.Fatalf("leaked DMA buffers: got=%d, want=%d", got, want)
	}
	if got, want := e.State(), Closed; got != want {
		t.Fatalf("invalid state: got=%v, want=%v", got, want)
	}

	err = e.SendConfigWrite(context.Background(), 0x1, 0x7f, frame.RegITHL, 10)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrClosed)
	}
}

func TestResetBoard(t *testing.T) {
	e, card := newTestEngine(t, topo.S540, nil)

	err := e.ResetBoard()
	if err != nil {
		t.Fatalf("could not reset board: %+v", err)
	}

	tmo := card.HardTimeouts()
	if len(tmo) == 0 {
		t.Fatalf("hardware timeout never programmed")
	}
	if got, want := tmo[len(tmo)-1], board.Timeout1s; got != want {
		t.Fatalf("invalid hardware timeout: got=%v, want=%v", got, want)
	}

	var o strings.Builder
	err = e.DumpRegisters(&o)
	if err != nil {
		t.Fatalf("could not dump registers: %+v", err)
	}
	if !strings.Contains(o.String(), "firmware/ctrl1") {
		t.Fatalf("invalid register dump:\n%s", o.String())
	}
	if !strings.Contains(o.String(), fmt.Sprintf("0x%08x", sim.Firmware)) {
		t.Fatalf("missing firmware in register dump:\n%s", o.String())
	}
}

func TestAbortIdle(t *testing.T) {
	e, _ := newTestEngine(t, topo.S540, nil)

	// nothing pending: no-ops.
	e.Abort()
	e.Reset()

	if e.IsPending() {
		t.Fatalf("engine should be idle")
	}
	if got, want := e.LastAcquiredIndex(), -1; got != want {
		t.Fatalf("invalid last index: got=%d, want=%d", got, want)
	}
	err := e.Wait(context.Background())
	if err != nil {
		t.Fatalf("invalid wait result: %+v", err)
	}
}
