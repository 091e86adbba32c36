// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cfgdb holds types to retrieve detector configurations
// (per-module and per-chip global register values) from the imXPAD
// configuration database.
package cfgdb // import "github.com/go-lpc/xpad/cfgdb"

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

const timeout = 5 * time.Second

var (
	host = "localhost"
	usr  = "username"
	pwd  = "s3cr3t"

	drvName = "mysql"
)

// DB exposes convenience methods to retrieve configuration data from
// the imXPAD database.
type DB struct {
	db   *sql.DB
	name string // name of the imXPAD database
}

// Open opens a connection to the imXPAD database dbname.
func Open(dbname string) (*DB, error) {
	db, err := sql.Open(drvName, dsn(dbname))
	if err != nil {
		return nil, fmt.Errorf("cfgdb: could not open %q db: %w", dbname, err)
	}

	err = ping(db, dbname)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db, name: dbname}, nil
}

func dsn(db string) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s", usr, pwd, host, db)
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("cfgdb: could not ping %q db: %w", dbname, err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, query, args...)
}

// LastDetector returns the most recently registered detector setup.
func (db *DB) LastDetector(ctx context.Context) (Detector, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var det Detector
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT identifier, topology, modules, chips, config FROM detectors ORDER BY datetime DESC LIMIT 1",
	)
	if err != nil {
		return det, fmt.Errorf("cfgdb: could not query detector: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		err = rows.Scan(&det.ID, &det.Topology, &det.Modules, &det.Chips, &det.Config)
		if err != nil {
			return det, fmt.Errorf("cfgdb: could not get detector value: %w", err)
		}
		n++
	}

	if err := rows.Err(); err != nil {
		return det, fmt.Errorf("cfgdb: could not scan db for detector: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return det, fmt.Errorf("cfgdb: context error while retrieving detector: %w", err)
	}

	if n == 0 {
		return det, fmt.Errorf("cfgdb: no detector in %q db", db.name)
	}

	return det, nil
}

// ChipConfig returns the global register values of the chips of a module,
// for the named configuration.
// Chips are returned in ascending chip order.
func (db *DB) ChipConfig(ctx context.Context, cfg string, module int) ([]Chip, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rows, err := db.db.QueryContext(
		ctx,
		"SELECT module, chip, cmos_dis, amp_tp, ithh, vadj, vref, imfp, iota, ipre, ithl, itune, ibuffer "+
			"FROM chip_globals WHERE config=? AND module=? ORDER BY chip",
		cfg, module,
	)
	if err != nil {
		return nil, fmt.Errorf("cfgdb: could not query chip cfg (cfg=%q, module=%d): %w", cfg, module, err)
	}
	defer rows.Close()

	var chips []Chip
	for rows.Next() {
		var (
			c Chip
			g = &c.Globals
		)
		err = rows.Scan(
			&c.Module, &c.Chip,
			&g.CMOSDisable, &g.AmpTP, &g.ITHH, &g.VADJ, &g.VREF,
			&g.IMFP, &g.IOTA, &g.IPRE, &g.ITHL, &g.ITUNE, &g.IBuffer,
		)
		if err != nil {
			return nil, fmt.Errorf("cfgdb: could not get chip cfg value: %w", err)
		}
		if c.Module != module {
			return nil, fmt.Errorf("cfgdb: invalid module %d in chip cfg (want=%d)", c.Module, module)
		}
		chips = append(chips, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cfgdb: could not scan db for chip cfg: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("cfgdb: context error while retrieving chip cfg: %w", err)
	}

	return chips, nil
}

// FlatConfig returns the DACL flat-field value of every chip of a module,
// for the named configuration, indexed by chip.
func (db *DB) FlatConfig(ctx context.Context, cfg string, module int) (map[int]uint16, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rows, err := db.db.QueryContext(
		ctx,
		"SELECT chip, dacl FROM chip_flats WHERE config=? AND module=? ORDER BY chip",
		cfg, module,
	)
	if err != nil {
		return nil, fmt.Errorf("cfgdb: could not query flat cfg (cfg=%q, module=%d): %w", cfg, module, err)
	}
	defer rows.Close()

	flats := make(map[int]uint16)
	for rows.Next() {
		var (
			chip int
			dacl uint16
		)
		err = rows.Scan(&chip, &dacl)
		if err != nil {
			return nil, fmt.Errorf("cfgdb: could not get flat cfg value: %w", err)
		}
		flats[chip] = dacl
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cfgdb: could not scan db for flat cfg: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("cfgdb: context error while retrieving flat cfg: %w", err)
	}

	return flats, nil
}
