// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"log"

	"github.com/go-lpc/xpad/cfgdb"
	"github.com/go-lpc/xpad/topo"
	"github.com/go-lpc/xpad/xpci"
)

type configDB interface {
	LastDetector(ctx context.Context) (cfgdb.Detector, error)
	ChipConfig(ctx context.Context, cfg string, module int) ([]cfgdb.Chip, error)
	FlatConfig(ctx context.Context, cfg string, module int) (map[int]uint16, error)
}

// loadDB loads the register configuration of the last registered detector
// into the modules.
func loadDB(ctx context.Context, eng *xpci.Engine, db configDB) error {
	det, err := db.LastDetector(ctx)
	if err != nil {
		return err
	}
	if name := eng.Topology().Name; det.Topology != name {
		return fmt.Errorf("detector topology mismatch (db=%q, engine=%q)", det.Topology, name)
	}

	mask := topo.Mask(det.Modules)
	err = eng.Topology().Valid(mask)
	if err != nil {
		return fmt.Errorf("invalid detector modules: %w", err)
	}

	log.Printf("loading configuration %q (detector=%d, modules=%v)...", det.Config, det.ID, mask)
	for _, mod := range mask.Modules() {
		chips, err := db.ChipConfig(ctx, det.Config, mod)
		if err != nil {
			return err
		}
		for _, c := range chips {
			err = eng.SendChipConfig(ctx, topo.Mask(1)<<mod, c.Mask(), xpci.ChipConfig(c.Globals))
			if err != nil {
				return fmt.Errorf("could not configure module %d chip %d: %w", mod, c.Chip, err)
			}
		}

		flats, err := db.FlatConfig(ctx, det.Config, mod)
		if err != nil {
			return err
		}
		for chip, v := range flats {
			err = eng.SendFlatConfig(ctx, topo.Mask(1)<<mod, 1<<uint(chip), v)
			if err != nil {
				return fmt.Errorf("could not load flat config of module %d chip %d: %w", mod, chip, err)
			}
		}
	}
	log.Printf("loading configuration %q... [done]", det.Config)

	return nil
}

var _ configDB = (*cfgdb.DB)(nil)
