// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package main

import (
	"fmt"
	"log"
	"runtime"

	"github.com/go-lpc/xpad/board"
)

func openDevice(cfg board.Config, msg *log.Logger) (board.Driver, error) {
	return nil, fmt.Errorf("no PCIe card support on %s", runtime.GOOS)
}
