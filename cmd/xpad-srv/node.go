// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/go-daq/tdaq"
	"github.com/go-lpc/xpad/layout"
	"github.com/go-lpc/xpad/topo"
	"github.com/go-lpc/xpad/xpci"
)

type acquisition struct {
	typ   layout.Type
	mask  topo.Mask
	chips int
	texp  uint32
	tovf  uint32
}

type node struct {
	eng *xpci.Engine

	mu   sync.Mutex
	acq  acquisition
	n    int // number of images acquired during the current run
	data chan []byte
}

func newNode(eng *xpci.Engine) *node {
	return &node{
		eng: eng,
		acq: acquisition{
			typ:   layout.Image16,
			mask:  eng.Topology().Full(),
			chips: topo.MaxChips,
			texp:  1000,
			tovf:  4000,
		},
		data: make(chan []byte, 16),
	}
}

// decodeAcquisition decodes a /config request body:
// image type, module mask, chips, exposure time and overflow period.
// An empty body keeps the current acquisition.
func decodeAcquisition(cur acquisition, body []byte) (acquisition, error) {
	if len(body) == 0 {
		return cur, nil
	}
	dec := tdaq.NewDecoder(bytes.NewReader(body))
	var (
		typ   = dec.ReadStr()
		mask  = topo.Mask(dec.ReadU32())
		chips = int(dec.ReadU32())
		texp  = dec.ReadU32()
		tovf  = dec.ReadU32()
	)
	if err := dec.Err(); err != nil {
		return cur, fmt.Errorf("could not decode acquisition: %w", err)
	}
	t, err := layout.ParseType(typ)
	if err != nil {
		return cur, err
	}
	if chips < 1 || chips > topo.MaxChips {
		return cur, fmt.Errorf("invalid number of chips %d", chips)
	}
	return acquisition{typ: t, mask: mask, chips: chips, texp: texp, tovf: tovf}, nil
}

func (dev *node) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	dev.mu.Lock()
	defer dev.mu.Unlock()

	acq, err := decodeAcquisition(dev.acq, req.Body)
	if err != nil {
		ctx.Msg.Errorf("could not configure acquisition: %+v", err)
		return err
	}

	ready, err := dev.eng.AskReady(ctx.Ctx, acq.mask)
	if err != nil {
		ctx.Msg.Errorf("modules %v not ready: %+v", acq.mask, err)
		return fmt.Errorf("modules %v not ready: %w", acq.mask, err)
	}
	ctx.Msg.Infof("modules ready: %d (type=%v, mask=%v, chips=%d)", len(ready), acq.typ, acq.mask, acq.chips)

	dev.acq = acq
	return nil
}

func (dev *node) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	dev.mu.Lock()
	defer dev.mu.Unlock()

	p := xpci.ExposureParam{
		Texp:   dev.acq.texp,
		Tovf:   dev.acq.tovf,
		Images: 1,
	}
	if dev.acq.typ == layout.Image32 {
		p.AcqMode = 4
	}
	err := dev.eng.SendExposureParam(ctx.Ctx, dev.acq.mask, p)
	if err != nil {
		ctx.Msg.Errorf("could not send exposure parameters: %+v", err)
		return err
	}
	dev.n = 0
	return nil
}

func (dev *node) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	dev.eng.Reset()

	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.n = 0

	err := dev.eng.AbortClean(ctx.Ctx, dev.acq.mask)
	if err != nil {
		ctx.Msg.Errorf("could not clean modules %v: %+v", dev.acq.mask, err)
		return err
	}
	return nil
}

func (dev *node) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	return nil
}

func (dev *node) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	dev.eng.Abort()
	dev.mu.Lock()
	n := dev.n
	dev.mu.Unlock()
	ctx.Msg.Debugf("received /stop command... -> n=%d", n)
	return nil
}

func (dev *node) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	return nil
}

func (dev *node) images(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case data := <-dev.data:
		dst.Body = data
	}
	return nil
}

func (dev *node) run(ctx tdaq.Context) error {
	dev.mu.Lock()
	acq := dev.acq
	dev.mu.Unlock()

	for {
		img, err := dev.eng.ReadOneImage(ctx.Ctx, acq.typ, acq.mask, acq.chips)
		switch {
		case err == nil:
		case ctx.Ctx.Err() != nil:
			return nil
		case xpci.Code(err) == 1:
			ctx.Msg.Infof("acquisition interrupted: %v", err)
			return nil
		default:
			ctx.Msg.Errorf("could not read image: %+v", err)
			return err
		}

		raw, err := img.MarshalBinary()
		if err != nil {
			return fmt.Errorf("could not encode image: %w", err)
		}

		select {
		case <-ctx.Ctx.Done():
			return nil
		case dev.data <- raw:
			dev.mu.Lock()
			dev.n++
			dev.mu.Unlock()
		}
	}
}
