// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command xpad-boot (re)starts the imXPAD service processes.
//
// Each process logs into its own file under the log directory.
// When one process fails, the others are killed.
//
// Usage: xpad-boot [OPTIONS] [CMD1 [CMD2 ...]]
//
// Example:
//
//	$> xpad-boot
//	$> xpad-boot -pmon -freq 5s "xpad-svc -cfg /etc/xpad/xpad.yml" "xpad-watch -freq 1m"
package main // import "github.com/go-lpc/xpad/cmd/xpad-boot"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/sbinet/pmon"
	"golang.org/x/sync/errgroup"
)

var defaultCmds = []string{
	"xpad-svc -cfg /etc/xpad/xpad.yml",
	"xpad-watch",
}

type boot struct {
	cmds []*exec.Cmd
	dir  string // log directory
	kill bool   // kill previous instances of the processes
	mon  bool   // monitor the processes with pmon
	freq time.Duration
}

func main() {
	log.SetPrefix("xpad-boot: ")
	log.SetFlags(0)

	var (
		doMon  = flag.Bool("pmon", false, "enable pmon monitoring")
		doFreq = flag.Duration("freq", 1*time.Second, "pmon frequency")
		doKill = flag.Bool("kill", true, "kill previous instances of the processes")
		dir    = flag.String("dir", os.Getenv("XPADLOGDIR"), "log directory")
	)

	flag.Parse()

	lines := flag.Args()
	if len(lines) == 0 {
		lines = defaultCmds
	}
	cmds, err := commands(lines)
	if err != nil {
		log.Fatalf("invalid commands: %+v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err = run(ctx, boot{
		cmds: cmds,
		dir:  *dir,
		kill: *doKill,
		mon:  *doMon,
		freq: *doFreq,
	})
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func commands(lines []string) ([]*exec.Cmd, error) {
	cmds := make([]*exec.Cmd, 0, len(lines))
	for _, line := range lines {
		args := strings.Fields(line)
		if len(args) == 0 {
			return nil, fmt.Errorf("empty command")
		}
		cmds = append(cmds, exec.Command(args[0], args[1:]...))
	}
	return cmds, nil
}

func run(ctx context.Context, cfg boot) error {
	if cfg.kill {
		for _, cmd := range cfg.cmds {
			name := filepath.Base(cmd.Path)
			kill := exec.Command("killall", name)
			kill.Stderr = os.Stderr
			kill.Stdout = os.Stdout
			err := kill.Run()
			if err != nil {
				log.Printf("could not kill %q: %+v", name, err)
			}
		}
	}

	dir := cfg.dir
	if dir == "" {
		dir = "/var/log/xpad"
	}
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return fmt.Errorf("could not create log directory: %w", err)
	}

	grp, ctx := errgroup.WithContext(ctx)
	for i := range cfg.cmds {
		cmd := cfg.cmds[i]
		grp.Go(func() error {
			return start(ctx, cmd, dir, cfg.mon, cfg.freq)
		})
	}

	err = grp.Wait()
	if err != nil {
		return fmt.Errorf("could not boot xpad: %w", err)
	}
	return nil
}

func start(ctx context.Context, cmd *exec.Cmd, dir string, doMon bool, freq time.Duration) error {
	name := filepath.Base(cmd.Path)
	out, err := os.Create(filepath.Join(dir, name+".log"))
	if err != nil {
		return fmt.Errorf("could not create output log file for %q: %w", name, err)
	}
	defer out.Close()

	cmd.Stdout = out
	cmd.Stderr = out

	log.Printf("starting %q...", name)
	err = cmd.Start()
	if err != nil {
		return fmt.Errorf("could not start %q: %w", name, err)
	}

	if doMon {
		p, err := pmon.Monitor(cmd.Process.Pid)
		if err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return fmt.Errorf("could not start monitoring %q (pid=%d): %w", name, cmd.Process.Pid, err)
		}
		f, err := os.Create(filepath.Join(dir, name+"-pmon.log"))
		if err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return fmt.Errorf("could not create pmon log file for command %q: %w", name, err)
		}
		defer f.Close()
		p.W = f
		p.Freq = freq

		go func() {
			log.Printf("run pmon %q...", name)
			err := p.Run()
			if err != nil {
				log.Printf("could not run monitoring of %q: %+v", name, err)
			}
		}()

		defer func() {
			err := p.Kill()
			if err != nil {
				log.Printf("could not stop monitoring %q: %+v", name, err)
			}
		}()
	}

	errch := make(chan error, 1)
	go func() {
		errch <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		err = cmd.Process.Kill()
		if err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("could not kill %q: %w", name, err)
		}
		<-errch
		log.Printf("stopped %q", name)
	case err = <-errch:
		if err != nil {
			return fmt.Errorf("could not run %q: %w", name, err)
		}
		log.Printf("%q done", name)
	}

	return nil
}
