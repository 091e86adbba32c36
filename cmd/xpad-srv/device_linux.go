// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"log"

	"github.com/go-lpc/xpad/board"
	"github.com/go-lpc/xpad/internal/xcfg"
)

func openDevice(cfg xcfg.Config, msg *log.Logger) (board.Driver, error) {
	dev, err := board.Open(cfg.Board(), msg)
	if err != nil {
		return nil, err
	}
	return dev, nil
}
