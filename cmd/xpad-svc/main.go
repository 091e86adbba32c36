// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command xpad-svc runs the imXPAD control service.
//
// The service drives the PCIe interface card and exposes the engine
// through a JSON control server, and optionally through an HTTP status
// server.
//
// Usage: xpad-svc [OPTIONS]
//
// Example:
//
//	$> xpad-svc -cfg /etc/xpad/xpad.yml
//	$> xpad-svc -sim -topo S140 -addr :8877
package main // import "github.com/go-lpc/xpad/cmd/xpad-svc"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"

	"github.com/go-lpc/xpad"
	"github.com/go-lpc/xpad/board"
	"github.com/go-lpc/xpad/board/sim"
	"github.com/go-lpc/xpad/cfgdb"
	"github.com/go-lpc/xpad/internal/xcfg"
	"github.com/go-lpc/xpad/xpci"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	log.SetPrefix("xpad-svc: ")
	log.SetFlags(0)

	var (
		fname = flag.String("cfg", "/etc/xpad/xpad.yml", "path to configuration file")
		addr  = flag.String("addr", "", "[ip]:port of the JSON control server (overrides config)")
		hsrv  = flag.String("http", "", "[ip]:port of the HTTP status server (overrides config)")
		tname = flag.String("topo", "", "detector topology (overrides config)")
		simu  = flag.Bool("sim", false, "drive a simulated card")
		dump  = flag.Bool("dump", false, "dump configuration and exit")
		vers  = flag.Bool("version", false, "print version and exit")
	)

	flag.Parse()

	if *vers {
		v, sum := xpad.Version()
		fmt.Printf("xpad-svc %s %s\n", v, sum)
		return
	}

	cfg, err := xcfg.Load(*fname)
	if err != nil {
		log.Fatalf("could not load configuration: %+v", err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *hsrv != "" {
		cfg.HTTP = *hsrv
	}
	if *tname != "" {
		cfg.Topology = *tname
	}
	cfg.Sim = cfg.Sim || *simu

	err = cfg.Validate()
	if err != nil {
		log.Fatalf("invalid configuration: %+v", err)
	}

	if *dump {
		err = cfg.Dump(os.Stdout)
		if err != nil {
			log.Fatalf("could not dump configuration: %+v", err)
		}
		return
	}

	err = run(context.Background(), cfg)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(ctx context.Context, cfg xcfg.Config) error {
	out := io.Writer(os.Stdout)
	if cfg.Log.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSize,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAge,
		}
		defer rotator.Close()
		out = io.MultiWriter(os.Stdout, rotator)
	}
	log.SetOutput(out)

	if v, _ := xpad.Version(); v != "" {
		log.Printf("xpad version %s", v)
	}

	dev, err := openBoard(cfg, log.New(out, "board: ", 0))
	if err != nil {
		return fmt.Errorf("could not open board: %w", err)
	}

	eng, err := xpci.New(dev, cfg.Topo(), cfg.Options(log.New(out, "xpci: ", 0))...)
	if err != nil {
		_ = dev.Close()
		return fmt.Errorf("could not create engine: %w", err)
	}
	defer eng.Close()

	if cfg.DB != "" {
		db, err := cfgdb.Open(cfg.DB)
		if err != nil {
			return fmt.Errorf("could not open configuration db: %w", err)
		}
		err = loadDB(ctx, eng, db)
		_ = db.Close()
		if err != nil {
			return fmt.Errorf("could not load detector configuration: %w", err)
		}
	}

	ctl, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("could not create control server on %q: %w", cfg.Addr, err)
	}
	defer ctl.Close()

	srv := xpci.NewServer(eng, log.New(out, "xpad-svc: ", 0))

	var grp errgroup.Group
	grp.Go(func() error {
		log.Printf("serving JSON control on %q...", cfg.Addr)
		return srv.Serve(ctl)
	})

	if cfg.HTTP != "" {
		hsrv := &http.Server{
			Addr:    cfg.HTTP,
			Handler: newRouter(srv, cfg),
		}
		grp.Go(func() error {
			log.Printf("serving HTTP status on %q...", cfg.HTTP)
			err := hsrv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	return grp.Wait()
}

func openBoard(cfg xcfg.Config, msg *log.Logger) (board.Driver, error) {
	if cfg.Sim {
		msg.Printf("using a simulated %s card", cfg.Topology)
		return sim.New(cfg.Topo()), nil
	}
	return openDevice(cfg.Board(), msg)
}
