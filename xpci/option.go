// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xpci

import (
	"log"
	"time"
)

type config struct {
	msg *log.Logger

	cmdTimeout   time.Duration // soft timeout of command DMAs
	imgTimeout   time.Duration // soft timeout of image DMAs
	firstTimeout time.Duration // soft timeout of the first image of an exposure, 0 waits forever
	grace        time.Duration // delay given by Close to the pending operation

	burst struct {
		dir     string
		counter string
		ring    int
	}
}

func newConfig() config {
	cfg := config{
		cmdTimeout:   2 * time.Second,
		imgTimeout:   2 * time.Second,
		firstTimeout: 0,
		grace:        10 * time.Second,
	}
	cfg.burst.dir = "."
	return cfg
}

// Option configures an engine.
type Option func(*config)

// WithLogger sets the logger used by the engine.
func WithLogger(msg *log.Logger) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithCommandTimeout sets the soft timeout of command transfers.
// It must exceed the 1s hardware timeout.
func WithCommandTimeout(d time.Duration) Option {
	return func(cfg *config) {
		cfg.cmdTimeout = d
	}
}

// WithImageTimeout sets the soft timeout of image transfers.
// It must exceed the 1s hardware timeout.
func WithImageTimeout(d time.Duration) Option {
	return func(cfg *config) {
		cfg.imgTimeout = d
	}
}

// WithFirstImageTimeout bounds the wait for the first image of an
// exposure. The default, 0, waits until the exposure ends or is aborted.
func WithFirstImageTimeout(d time.Duration) Option {
	return func(cfg *config) {
		cfg.firstTimeout = d
	}
}

// WithBurstDir sets the directory receiving streamed burst files.
func WithBurstDir(dir string) Option {
	return func(cfg *config) {
		cfg.burst.dir = dir
	}
}

// WithCounterFile sets the file publishing the index of the last image
// written to disk during a burst.
func WithCounterFile(fname string) Option {
	return func(cfg *config) {
		cfg.burst.counter = fname
	}
}

// WithRingCapacity sets the number of raw images buffered in memory during
// a burst. The default scales with the burst length.
func WithRingCapacity(n int) Option {
	return func(cfg *config) {
		cfg.burst.ring = n
	}
}
