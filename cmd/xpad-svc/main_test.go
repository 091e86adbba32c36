// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-lpc/xpad/board/sim"
	"github.com/go-lpc/xpad/burst"
	"github.com/go-lpc/xpad/cfgdb"
	"github.com/go-lpc/xpad/frame"
	"github.com/go-lpc/xpad/internal/xcfg"
	"github.com/go-lpc/xpad/topo"
	"github.com/go-lpc/xpad/xpci"
)

func init() {
	log.SetOutput(io.Discard)
}

func newEngine(t *testing.T, tp topo.Topology) (*xpci.Engine, *sim.Card) {
	t.Helper()
	card := sim.New(tp)
	eng, err := xpci.New(card, tp, xpci.WithLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatalf("could not create engine: %+v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng, card
}

type fakeDB struct {
	det   cfgdb.Detector
	chips map[int][]cfgdb.Chip
	flats map[int]map[int]uint16
}

func (db *fakeDB) LastDetector(ctx context.Context) (cfgdb.Detector, error) {
	return db.det, nil
}

func (db *fakeDB) ChipConfig(ctx context.Context, cfg string, module int) ([]cfgdb.Chip, error) {
	if cfg != db.det.Config {
		return nil, fmt.Errorf("unknown config %q", cfg)
	}
	return db.chips[module], nil
}

func (db *fakeDB) FlatConfig(ctx context.Context, cfg string, module int) (map[int]uint16, error) {
	if cfg != db.det.Config {
		return nil, fmt.Errorf("unknown config %q", cfg)
	}
	return db.flats[module], nil
}

func TestLoadDB(t *testing.T) {
	eng, card := newEngine(t, topo.S140)

	globals := func(ithl uint16) cfgdb.Globals {
		return cfgdb.Globals{IMFP: 50, ITHL: ithl, IBuffer: 3}
	}
	db := &fakeDB{
		det: cfgdb.Detector{ID: 1, Topology: "S140", Modules: 0x03, Chips: 7, Config: "run-1"},
		chips: map[int][]cfgdb.Chip{
			0: {{Module: 0, Chip: 0, Globals: globals(30)}, {Module: 0, Chip: 6, Globals: globals(36)}},
			1: {{Module: 1, Chip: 2, Globals: globals(42)}},
		},
		flats: map[int]map[int]uint16{
			1: {2: 17, 3: 18},
		},
	}

	err := loadDB(context.Background(), eng, db)
	if err != nil {
		t.Fatalf("could not load configuration: %+v", err)
	}

	for _, tc := range []struct {
		mod, chip int
		reg       uint16
		want      uint16
	}{
		{0, 0, frame.RegITHL, 30},
		{0, 6, frame.RegITHL, 36},
		{0, 6, frame.RegIMFP, 50},
		{0, 1, frame.RegITHL, 0},
		{1, 2, frame.RegITHL, 42},
		{1, 2, frame.RegIBuffer, 3},
	} {
		if got := card.Config(tc.mod, tc.chip, tc.reg); got != tc.want {
			t.Fatalf("module %d chip %d reg 0x%x: got=%d, want=%d", tc.mod, tc.chip, tc.reg, got, tc.want)
		}
	}
	if got, want := card.Flat(1, 3), uint16(18); got != want {
		t.Fatalf("invalid DACL: got=%d, want=%d", got, want)
	}

	db.det.Topology = "S540"
	err = loadDB(context.Background(), eng, db)
	if err == nil {
		t.Fatalf("expected a topology mismatch error")
	}

	db.det.Topology = "S140"
	db.det.Modules = 0x100000
	err = loadDB(context.Background(), eng, db)
	if err == nil {
		t.Fatalf("expected an invalid modules error")
	}
}

func TestRouter(t *testing.T) {
	eng, card := newEngine(t, topo.S70)
	dir := t.TempDir()

	cfg := xcfg.Default()
	cfg.Topology = "S70"
	cfg.Burst.Counter = filepath.Join(dir, "counter.bin")

	cnt, err := burst.OpenCounter(cfg.Burst.Counter)
	if err != nil {
		t.Fatalf("could not create counter: %+v", err)
	}
	err = cnt.Store(41)
	if err != nil {
		t.Fatalf("could not store counter: %+v", err)
	}
	_ = cnt.Close()

	srv := httptest.NewServer(newRouter(xpci.NewServer(eng, log.New(io.Discard, "", 0)), cfg))
	defer srv.Close()

	get := func(path string) (*http.Response, []byte) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("could not GET %q: %+v", path, err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("could not read %q body: %+v", path, err)
		}
		return resp, body
	}
	post := func(name, args string) (int, xpci.Reply) {
		t.Helper()
		resp, err := http.Post(srv.URL+"/cmd/"+name, "application/json", strings.NewReader(args))
		if err != nil {
			t.Fatalf("could not POST %q: %+v", name, err)
		}
		defer resp.Body.Close()
		var rep xpci.Reply
		err = json.NewDecoder(resp.Body).Decode(&rep)
		if err != nil {
			t.Fatalf("could not decode %q reply: %+v", name, err)
		}
		return resp.StatusCode, rep
	}

	resp, body := get("/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("invalid status code: %d", resp.StatusCode)
	}
	var status struct {
		Data xpci.Status `json:"data"`
	}
	err = json.Unmarshal(body, &status)
	if err != nil {
		t.Fatalf("could not decode status: %+v", err)
	}
	if got, want := status.Data, (xpci.Status{Topology: "S70", State: eng.State().String(), Last: -1}); got != want {
		t.Fatalf("invalid status:\ngot= %#v\nwant=%#v", got, want)
	}

	_, body = get("/config")
	if !strings.Contains(string(body), "topology: S70") {
		t.Fatalf("invalid config dump:\n%s", body)
	}

	_, body = get("/burst/last")
	var last struct {
		Data int `json:"data"`
	}
	err = json.Unmarshal(body, &last)
	if err != nil {
		t.Fatalf("could not decode burst counter: %+v", err)
	}
	if got, want := last.Data, 41; got != want {
		t.Fatalf("invalid burst counter: got=%d, want=%d", got, want)
	}

	code, rep := post("config-g", `{"mask": 1, "chips": 3, "reg": 62, "value": 7}`)
	if code != http.StatusOK || rep.Code != 0 {
		t.Fatalf("could not configure: code=%d, rep=%#v", code, rep)
	}
	if got, want := card.Config(0, 1, frame.RegITHL), uint16(7); got != want {
		t.Fatalf("invalid ITHL: got=%d, want=%d", got, want)
	}

	code, rep = post("config-g", "")
	if code != http.StatusInternalServerError || rep.Code != -1 {
		t.Fatalf("invalid reply: code=%d, rep=%#v", code, rep)
	}

	code, rep = post("abort", "")
	if code != http.StatusOK || rep.Code != 0 {
		t.Fatalf("could not abort: code=%d, rep=%#v", code, rep)
	}
}
