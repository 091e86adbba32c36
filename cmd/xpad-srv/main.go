// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command xpad-srv starts a TDAQ server streaming imXPAD images.
//
// The /config command selects the acquisition (image type, modules,
// chips and exposure), /init loads the exposure parameters, /start and
// /stop control the image stream published on the /images output.
package main // import "github.com/go-lpc/xpad/cmd/xpad-srv"

import (
	"context"
	"io"
	"log"
	"os"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"github.com/go-lpc/xpad/board/sim"
	"github.com/go-lpc/xpad/internal/xcfg"
	"github.com/go-lpc/xpad/xpci"
)

func main() {
	cmd := flags.New()

	fname := ""
	if len(cmd.Args) > 0 {
		fname = cmd.Args[0]
	}
	cfg, err := xcfg.Load(fname)
	if err != nil {
		log.Panicf("could not load configuration: %+v", err)
	}

	eng, err := open(cfg)
	if err != nil {
		log.Panicf("could not open engine: %+v", err)
	}
	defer eng.Close()

	dev := newNode(eng)

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle("/images", dev.images)

	srv.RunHandle(dev.run)

	err = srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}

func open(cfg xcfg.Config) (*xpci.Engine, error) {
	msg := log.New(os.Stdout, "xpci: ", 0)
	if !cfg.Sim {
		dev, err := openDevice(cfg, msg)
		if err != nil {
			return nil, err
		}
		return xpci.New(dev, cfg.Topo(), cfg.Options(msg)...)
	}
	return xpci.New(sim.New(cfg.Topo()), cfg.Topo(), cfg.Options(log.New(io.Discard, "", 0))...)
}
