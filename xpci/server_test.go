// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xpci

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"strings"
	"testing"

	"github.com/go-lpc/xpad/board/sim"
	"github.com/go-lpc/xpad/frame"
	"github.com/go-lpc/xpad/layout"
	"github.com/go-lpc/xpad/topo"
)

func TestServeFail(t *testing.T) {
	e, _ := newTestEngine(t, topo.S540, nil)
	err := Serve(":invalid", e)
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestServer(t *testing.T) {
	e, card := newTestEngine(t, topo.S540, nil, WithBurstDir(t.TempDir()))

	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("could not listen: %+v", err)
	}
	defer l.Close()

	srv := NewServer(e, log.New(io.Discard, "", 0))
	go func() { _ = srv.Serve(l) }()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("could not dial server: %+v", err)
	}
	defer conn.Close()

	var (
		enc = json.NewEncoder(conn)
		dec = json.NewDecoder(conn)
	)
	send := func(name, args string) Reply {
		t.Helper()
		req := Request{Name: name}
		if args != "" {
			req.Args = json.RawMessage(args)
		}
		err := enc.Encode(req)
		if err != nil {
			t.Fatalf("could not send %q request: %+v", name, err)
		}
		var rep Reply
		err = dec.Decode(&rep)
		if err != nil {
			t.Fatalf("could not decode %q reply: %+v", name, err)
		}
		return rep
	}

	for _, tc := range []struct {
		name string
		args string
		code int
		msg  string
	}{
		{name: "status", code: 0},
		{name: "ask-ready", args: `{"mask": 255}`, code: 0},
		{name: "ask-ready", code: -1, msg: "missing arguments"},
		{name: "config-g", args: `{"mask": 3, "chips": 127, "reg": 62, "value": 33}`, code: 0},
		{name: "read-config-g", args: `{"mask": 3, "chips": 127, "reg": 62}`, code: 0},
		{name: "flat", args: `{"mask": 1, "chips": 127, "value": 12}`, code: 0},
		{name: "temperatures", args: `{"mask": 16}`, code: 0},
		{name: "exposure-param", args: `{"mask": 3, "param": {"Texp": 100, "Tovf": 4000, "Images": 2}}`, code: 0},
		{name: "read-image", args: `{"type": "16b", "mask": 3}`, code: 0},
		{name: "read-image", args: `{"type": "8b", "mask": 3}`, code: -1, msg: "invalid image type"},
		{name: "read-sequence", args: `{"type": "16b", "mask": 3, "count": 2}`, code: 0},
		{name: "exposure-param", args: `{"mask": 3, "param": {"Texp": 100, "Tovf": 4000, "Images": 3}}`, code: 0},
		{name: "burst", args: `{"type": "16b", "mask": 3, "count": 3, "burst": 2}`, code: 0},
		{name: "wait", code: 0},
		{name: "burst-image", args: `{"type": "16b", "mask": 3, "burst": 2, "index": 1}`, code: 0},
		{name: "abort", code: 0},
		{name: "abort-clean", args: `{"mask": 3}`, code: 0},
		{name: "dump-registers", code: 0},
		{name: "not-there", code: -1, msg: "unknown command"},
	} {
		rep := send(tc.name, tc.args)
		if rep.Code != tc.code {
			t.Fatalf("%s: invalid code: got=%d, want=%d (msg=%q)", tc.name, rep.Code, tc.code, rep.Msg)
		}
		if tc.msg != "" && !strings.Contains(rep.Msg, tc.msg) {
			t.Fatalf("%s: invalid message: got=%q, want=%q", tc.name, rep.Msg, tc.msg)
		}
		if tc.code == 0 && rep.Msg != "ok" {
			t.Fatalf("%s: invalid message: got=%q, want=%q", tc.name, rep.Msg, "ok")
		}
	}

	if got, want := card.Config(1, 6, frame.RegITHL), uint16(33); got != want {
		t.Fatalf("invalid ITHL: got=%d, want=%d", got, want)
	}
	if got, want := card.Flat(0, 0), uint16(12); got != want {
		t.Fatalf("invalid DACL: got=%d, want=%d", got, want)
	}

	rep := send("quit", "")
	if rep.Code != 0 {
		t.Fatalf("could not quit: %q", rep.Msg)
	}
}

func TestServerImage(t *testing.T) {
	e, _ := newTestEngine(t, topo.S70, []sim.Option{sim.WithChips(1)})
	srv := NewServer(e, log.New(io.Discard, "", 0))

	raw, _ := json.Marshal(Acquisition{Type: "16b", Mask: 0x01, Chips: 1})
	data, err := srv.Dispatch(context.Background(), Request{Name: "read-image", Args: raw})
	if err != nil {
		t.Fatalf("could not read image: %+v", err)
	}
	sum, ok := data.(ImageSummary)
	if !ok {
		t.Fatalf("invalid reply type %T", data)
	}
	if sum.Rows != topo.ModuleRows || sum.Cols != topo.ChipCols {
		t.Fatalf("invalid image shape: %dx%d", sum.Rows, sum.Cols)
	}

	var want ImageSummary
	for line := 1; line <= topo.ModuleRows; line++ {
		for col := 0; col < topo.ChipCols; col++ {
			v := sim.Pixel(layout.Image16, 0, 0, line, col)
			want.Sum += uint64(v)
			want.Max = max(want.Max, v)
		}
	}
	if sum.Sum != want.Sum || sum.Max != want.Max {
		t.Fatalf("invalid summary: got=(%d, %d), want=(%d, %d)", sum.Sum, sum.Max, want.Sum, want.Max)
	}
}
