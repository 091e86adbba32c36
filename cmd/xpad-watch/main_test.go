// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-lpc/xpad/burst"
	"github.com/go-lpc/xpad/xpci"
)

func init() {
	log.SetOutput(io.Discard)
}

func TestWatcher(t *testing.T) {
	var pending atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(xpci.Reply{
			Msg:  "ok",
			Data: xpci.Status{Topology: "S70", Pending: pending.Load()},
		})
	}))
	defer srv.Close()

	fname := filepath.Join(t.TempDir(), "counter.bin")
	cnt, err := burst.OpenCounter(fname)
	if err != nil {
		t.Fatalf("could not create counter: %+v", err)
	}
	defer cnt.Close()

	var alerts []string
	w := newWatcher(fname, srv.URL, time.Second, time.Hour)
	w.alert = func(subject, body string) error {
		alerts = append(alerts, subject)
		return nil
	}

	ctx := context.Background()
	step := func(v int, pend bool, want int) {
		t.Helper()
		pending.Store(pend)
		if v >= 0 {
			if err := cnt.Store(v); err != nil {
				t.Fatalf("could not store counter: %+v", err)
			}
		}
		if err := w.check(ctx); err != nil {
			t.Fatalf("could not check counter: %+v", err)
		}
		if got := len(alerts); got != want {
			t.Fatalf("invalid number of alerts: got=%d, want=%d (%q)", got, want, alerts)
		}
	}

	step(-1, true, 0) // first probe primes the watcher.
	step(3, true, 0)  // progress.
	step(7, true, 0)  // progress.
	step(7, true, 1)  // stall.
	step(7, true, 1)  // stall already reported.
	step(8, true, 1)  // progress.
	step(8, false, 1) // burst over.
	step(8, true, 1)  // stall, rate limited.
	step(0, true, 1)  // new burst.

	if got, want := alerts[0], "[xpad-watch] burst stalled at image 7"; got != want {
		t.Fatalf("invalid alert: got=%q, want=%q", got, want)
	}
}

func TestWatcherNoStatus(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "counter.bin")
	cnt, err := burst.OpenCounter(fname)
	if err != nil {
		t.Fatalf("could not create counter: %+v", err)
	}
	defer cnt.Close()

	n := 0
	w := newWatcher(fname, "", time.Second, time.Nanosecond)
	w.alert = func(subject, body string) error {
		n++
		return nil
	}
	for i := 0; i < 2; i++ {
		if err := w.check(context.Background()); err != nil {
			t.Fatalf("could not check counter: %+v", err)
		}
	}
	if n != 1 {
		t.Fatalf("invalid number of alerts: %d", n)
	}
}

func TestWatcherMissingCounter(t *testing.T) {
	w := newWatcher(filepath.Join(t.TempDir(), "missing.bin"), "", time.Second, time.Hour)
	if err := w.check(context.Background()); err == nil {
		t.Fatalf("expected an error")
	}
}

func TestAlertMailMissingCredentials(t *testing.T) {
	alertMailUsr = ""
	if err := alertMail("subject", "body"); err == nil {
		t.Fatalf("expected an error")
	}
}

func TestRunCancel(t *testing.T) {
	w := newWatcher("", "", time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.run(ctx); err == nil {
		t.Fatalf("expected an error")
	}
}
