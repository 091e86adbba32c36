// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package xcfg loads the configuration of the imXPAD services.
package xcfg // import "github.com/go-lpc/xpad/internal/xcfg"

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/go-lpc/xpad/board"
	"github.com/go-lpc/xpad/topo"
	"github.com/go-lpc/xpad/xpci"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
)

// Config is the configuration of an imXPAD service.
type Config struct {
	Addr     string `koanf:"addr"`     // JSON control server address
	HTTP     string `koanf:"http"`     // HTTP status server address, empty to disable
	Topology string `koanf:"topology"` // detector topology name, e.g. "S540"
	Sim      bool   `koanf:"sim"`      // drive a simulated card

	Device Device   `koanf:"device"`
	Timeo  Timeouts `koanf:"timeouts"`
	Burst  Burst    `koanf:"burst"`
	Log    Log      `koanf:"log"`

	DB string `koanf:"db"` // configuration database to load at start-up, empty to skip
}

// Device locates the card resources on the host.
type Device struct {
	BAR0 string `koanf:"bar0"`
	UIO  string `koanf:"uio"`
	DMA  string `koanf:"dma"`
}

// Timeouts holds the soft timeouts of the engine.
type Timeouts struct {
	Command    time.Duration `koanf:"command"`
	Image      time.Duration `koanf:"image"`
	FirstImage time.Duration `koanf:"first-image"`
}

// Burst configures the streaming bursts.
type Burst struct {
	Dir     string `koanf:"dir"`
	Counter string `koanf:"counter"`
	Ring    int    `koanf:"ring"` // ring capacity, 0 sizes the ring from the burst length
}

// Log configures the rotated log file of a service.
type Log struct {
	File       string `koanf:"file"` // empty logs to stdout only
	MaxSize    int    `koanf:"max-size"`
	MaxBackups int    `koanf:"max-backups"`
	MaxAge     int    `koanf:"max-age"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Addr:     ":8877",
		HTTP:     ":8878",
		Topology: topo.S540.Name,
		Device: Device{
			BAR0: "/sys/bus/pci/devices/0000:01:00.0/resource0",
			UIO:  "/dev/uio0",
			DMA:  "/dev/udmabuf0",
		},
		Timeo: Timeouts{
			Command: 2 * time.Second,
			Image:   2 * time.Second,
		},
		Burst: Burst{
			Dir:     "/var/lib/xpad",
			Counter: "/var/lib/xpad/counter.bin",
		},
		Log: Log{
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
		},
	}
}

// Load loads the configuration from the YAML file fname, on top of the
// default configuration.
// A missing file leaves the defaults untouched.
func Load(fname string) (Config, error) {
	k := koanf.New(".")
	err := k.Load(structs.Provider(Default(), "koanf"), nil)
	if err != nil {
		return Config{}, fmt.Errorf("xcfg: could not load defaults: %w", err)
	}

	if fname != "" {
		_, err := os.Stat(fname)
		switch {
		case err == nil:
			err = k.Load(file.Provider(fname), yaml.Parser())
			if err != nil {
				return Config{}, fmt.Errorf("xcfg: could not load %q: %w", fname, err)
			}
		case os.IsNotExist(err):
			// defaults only.
		default:
			return Config{}, fmt.Errorf("xcfg: could not stat %q: %w", fname, err)
		}
	}

	var cfg Config
	err = k.Unmarshal("", &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("xcfg: could not decode configuration: %w", err)
	}

	err = cfg.Validate()
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration is usable.
func (cfg Config) Validate() error {
	if _, err := topo.ByName(cfg.Topology); err != nil {
		return fmt.Errorf("xcfg: invalid topology: %w", err)
	}
	if cfg.Addr == "" {
		return fmt.Errorf("xcfg: missing control server address")
	}
	hard := board.Timeout1s.Duration()
	if cfg.Timeo.Command <= hard || cfg.Timeo.Image <= hard {
		return fmt.Errorf("xcfg: soft timeouts must exceed the hard timeout (%v)", hard)
	}
	if cfg.Burst.Ring < 0 {
		return fmt.Errorf("xcfg: invalid ring capacity %d", cfg.Burst.Ring)
	}
	return nil
}

// Topo returns the configured topology.
func (cfg Config) Topo() topo.Topology {
	t, err := topo.ByName(cfg.Topology)
	if err != nil {
		panic(err)
	}
	return t
}

// Board returns the location of the card resources.
func (cfg Config) Board() board.Config {
	return board.Config{BAR0: cfg.Device.BAR0, UIO: cfg.Device.UIO, DMA: cfg.Device.DMA}
}

// Options returns the engine options matching the configuration.
func (cfg Config) Options(msg *log.Logger) []xpci.Option {
	opts := []xpci.Option{
		xpci.WithCommandTimeout(cfg.Timeo.Command),
		xpci.WithImageTimeout(cfg.Timeo.Image),
		xpci.WithFirstImageTimeout(cfg.Timeo.FirstImage),
		xpci.WithBurstDir(cfg.Burst.Dir),
		xpci.WithCounterFile(cfg.Burst.Counter),
		xpci.WithRingCapacity(cfg.Burst.Ring),
	}
	if msg != nil {
		opts = append(opts, xpci.WithLogger(msg))
	}
	return opts
}

// Dump writes the configuration as YAML to w.
func (cfg Config) Dump(w io.Writer) error {
	k := koanf.New(".")
	err := k.Load(structs.Provider(cfg, "koanf"), nil)
	if err != nil {
		return fmt.Errorf("xcfg: could not load configuration: %w", err)
	}
	raw, err := k.Marshal(yaml.Parser())
	if err != nil {
		return fmt.Errorf("xcfg: could not encode configuration: %w", err)
	}
	_, err = w.Write(raw)
	if err != nil {
		return fmt.Errorf("xcfg: could not write configuration: %w", err)
	}
	return nil
}
