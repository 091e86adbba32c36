// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command xpad-watch monitors the streaming bursts of an imXPAD service
// and sends mail alerts when a burst stalls.
//
// A burst is stalled when the service reports a pending operation while
// the burst counter file did not move during the last probing interval.
//
// Mail alerts are configured through the MAIL_USERNAME, MAIL_PASSWORD,
// MAIL_SERVER, MAIL_PORT and MAIL_TGTS environment variables.
package main // import "github.com/go-lpc/xpad/cmd/xpad-watch"

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/go-lpc/xpad/burst"
	"github.com/go-lpc/xpad/xpci"
	"golang.org/x/time/rate"
	mail "gopkg.in/gomail.v2"
)

func main() {
	log.SetPrefix("xpad-watch: ")
	log.SetFlags(0)

	var (
		fname  = flag.String("counter", "/var/lib/xpad/counter.bin", "burst counter file to monitor")
		status = flag.String("status", "http://localhost:8878/status", "URL of the service status, empty to alert on any stall")
		freq   = flag.Duration("freq", 30*time.Second, "probing interval")
		every  = flag.Duration("every", 10*time.Minute, "minimum interval between two alerts")
	)

	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	w := newWatcher(*fname, *status, *freq, *every)
	log.Printf("monitoring %q every %v...", *fname, *freq)
	err := w.run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("%+v", err)
	}
}

type watcher struct {
	fname  string
	status string
	freq   time.Duration

	last    int  // last counter value
	primed  bool // whether last holds a valid value
	stalled bool // whether the current stall was already reported

	lim   *rate.Limiter
	alert func(subject, body string) error
}

func newWatcher(fname, status string, freq, every time.Duration) *watcher {
	return &watcher{
		fname:  fname,
		status: status,
		freq:   freq,
		lim:    rate.NewLimiter(rate.Every(every), 1),
		alert:  alertMail,
	}
}

func (w *watcher) run(ctx context.Context) error {
	tick := time.NewTicker(w.freq)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			err := w.check(ctx)
			if err != nil {
				log.Printf("could not check burst: %+v", err)
			}
		}
	}
}

// check probes the burst counter once and reports a stalled burst.
func (w *watcher) check(ctx context.Context) error {
	cur, err := burst.ReadCounter(w.fname)
	if err != nil {
		return err
	}

	last, primed := w.last, w.primed
	w.last, w.primed = cur, true
	if !primed || cur != last {
		w.stalled = false
		return nil
	}

	if w.stalled {
		return nil
	}

	pending, err := w.pending(ctx)
	if err != nil {
		return err
	}
	if !pending {
		return nil
	}
	w.stalled = true

	log.Printf("burst stalled at image %d for the last %v", cur, w.freq)
	if !w.lim.Allow() {
		log.Printf("alert rate limit reached, alert dropped")
		return nil
	}
	return w.alert(
		fmt.Sprintf("[xpad-watch] burst stalled at image %d", cur),
		fmt.Sprintf("counter: %q\nimage: %d\nfreq: %v", w.fname, cur, w.freq),
	)
}

func (w *watcher) pending(ctx context.Context) (bool, error) {
	if w.status == "" {
		return true, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.status, nil)
	if err != nil {
		return false, fmt.Errorf("could not create status request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("could not get service status: %w", err)
	}
	defer resp.Body.Close()

	var rep struct {
		Msg  string      `json:"msg"`
		Code int         `json:"code"`
		Data xpci.Status `json:"data"`
	}
	err = json.NewDecoder(resp.Body).Decode(&rep)
	if err != nil {
		return false, fmt.Errorf("could not decode service status: %w", err)
	}
	if rep.Code != 0 {
		return false, fmt.Errorf("could not get service status: %s", rep.Msg)
	}
	return rep.Data.Pending, nil
}

var (
	alertMailUsr  = os.Getenv("MAIL_USERNAME")
	alertMailPwd  = os.Getenv("MAIL_PASSWORD")
	alertMailSrv  = os.Getenv("MAIL_SERVER")
	alertMailPort = atoi(os.Getenv("MAIL_PORT"))
	alertMailTgts = strings.Split(os.Getenv("MAIL_TGTS"), ",")
)

func alertMail(subject, body string) error {
	if alertMailUsr == "" || alertMailPwd == "" ||
		alertMailSrv == "" || alertMailPort == 0 ||
		len(alertMailTgts) == 0 || alertMailTgts[0] == "" {
		return fmt.Errorf("could not send mail alert: missing credentials")
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", alertMailUsr)
	msg.SetHeader("Bcc", alertMailTgts...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	dial := mail.NewDialer(alertMailSrv, alertMailPort, alertMailUsr, alertMailPwd)
	dial.TLSConfig = &tls.Config{
		InsecureSkipVerify: true,
	}
	err := dial.DialAndSend(msg)
	if err != nil {
		return fmt.Errorf("could not send mail alert: %w", err)
	}
	return nil
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
