// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package board

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/go-lpc/xpad/internal/mmap"
)

// PCIe drives the interface card through sysfs, UIO and u-dma-buf.
type PCIe struct {
	msg *log.Logger

	bar0 *mmap.Handle
	dma  *mmap.Handle
	pool *Pool
	uio  *os.File

	mu  sync.Mutex
	irq func()
	buf [4]byte

	quit chan struct{}
	done chan struct{}
}

// Open maps the card resources described by cfg.
func Open(cfg Config, msg *log.Logger) (*PCIe, error) {
	if msg == nil {
		msg = log.New(os.Stdout, "board: ", 0)
	}
	dev := &PCIe{
		msg:  msg,
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}

	var err error
	dev.bar0, err = mapFile(cfg.BAR0, 0)
	if err != nil {
		return nil, fmt.Errorf("board: could not map BAR0: %w", err)
	}

	phys, size, err := udmabufInfo(cfg.DMA)
	if err != nil {
		_ = dev.bar0.Close()
		return nil, fmt.Errorf("board: could not inspect DMA memory: %w", err)
	}
	dev.dma, err = mapFile(cfg.DMA, size)
	if err != nil {
		_ = dev.bar0.Close()
		return nil, fmt.Errorf("board: could not map DMA memory: %w", err)
	}
	dev.pool = NewPool(phys, dev.dma.Bytes())

	dev.uio, err = os.OpenFile(cfg.UIO, os.O_RDWR, 0)
	if err != nil {
		_ = dev.dma.Close()
		_ = dev.bar0.Close()
		return nil, fmt.Errorf("board: could not open interrupt device: %w", err)
	}

	err = dev.enableIRQ()
	if err != nil {
		_ = dev.uio.Close()
		_ = dev.dma.Close()
		_ = dev.bar0.Close()
		return nil, fmt.Errorf("board: could not enable interrupts: %w", err)
	}
	go dev.loop()

	return dev, nil
}

func mapFile(fname string, size int) (*mmap.Handle, error) {
	f, err := os.OpenFile(fname, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("could not open %q: %w", fname, err)
	}
	defer f.Close()

	if size <= 0 {
		fi, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("could not stat %q: %w", fname, err)
		}
		size = int(fi.Size())
	}
	return mmap.Map(f, 0, size)
}

// udmabufInfo returns the bus address and size of a u-dma-buf device.
func udmabufInfo(dev string) (uint64, int, error) {
	dir := filepath.Join("/sys/class/u-dma-buf", filepath.Base(dev))
	phys, err := readSysfs(filepath.Join(dir, "phys_addr"))
	if err != nil {
		return 0, 0, err
	}
	size, err := readSysfs(filepath.Join(dir, "size"))
	if err != nil {
		return 0, 0, err
	}
	return phys, int(size), nil
}

func readSysfs(fname string) (uint64, error) {
	raw, err := os.ReadFile(fname)
	if err != nil {
		return 0, fmt.Errorf("could not read %q: %w", fname, err)
	}
	txt := strings.TrimSpace(string(raw))
	v, err := strconv.ParseUint(txt, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("could not parse %q from %q: %w", txt, fname, err)
	}
	return v, nil
}

func (dev *PCIe) RegisterRead32(bar Bar, off, n int) ([]uint32, error) {
	if bar != BAR0 {
		return nil, fmt.Errorf("board: invalid BAR %d", bar)
	}
	o := make([]uint32, n)
	for i := range o {
		v, err := dev.bar0.Load32(off + i)
		if err != nil {
			return nil, fmt.Errorf("board: could not read register 0x%x: %w", off+i, err)
		}
		o[i] = v
	}
	return o, nil
}

func (dev *PCIe) RegisterWrite32(bar Bar, off int, words ...uint32) error {
	if bar != BAR0 {
		return fmt.Errorf("board: invalid BAR %d", bar)
	}
	for i, w := range words {
		err := dev.bar0.Store32(off+i, w)
		if err != nil {
			return fmt.Errorf("board: could not write register 0x%x: %w", off+i, err)
		}
	}
	return nil
}

func (dev *PCIe) LockPhysicalBuffer(size int) (*Buffer, error) {
	return dev.pool.Lock(size)
}

func (dev *PCIe) ReleasePhysicalBuffer(buf *Buffer) error {
	return dev.pool.Release(buf)
}

func (dev *PCIe) RegisterInterruptCallback(fn func()) {
	dev.mu.Lock()
	dev.irq = fn
	dev.mu.Unlock()
}

func (dev *PCIe) enableIRQ() error {
	binary.LittleEndian.PutUint32(dev.buf[:], 1)
	_, err := dev.uio.Write(dev.buf[:])
	return err
}

// loop forwards UIO interrupt events to the registered callback.
func (dev *PCIe) loop() {
	defer close(dev.done)
	var buf [4]byte
	for {
		_, err := dev.uio.Read(buf[:])
		if err != nil {
			select {
			case <-dev.quit:
			default:
				dev.msg.Printf("could not read interrupt: %+v", err)
			}
			return
		}

		dev.mu.Lock()
		fn := dev.irq
		dev.mu.Unlock()
		if fn != nil {
			fn()
		}

		err = dev.enableIRQ()
		if err != nil {
			dev.msg.Printf("could not re-enable interrupts: %+v", err)
			return
		}
	}
}

func (dev *PCIe) Close() error {
	select {
	case <-dev.quit:
		return nil
	default:
		close(dev.quit)
	}

	var errs []error
	if err := dev.uio.Close(); err != nil {
		errs = append(errs, fmt.Errorf("board: could not close interrupt device: %w", err))
	}
	<-dev.done

	if err := dev.dma.Close(); err != nil {
		errs = append(errs, fmt.Errorf("board: could not unmap DMA memory: %w", err))
	}
	if err := dev.bar0.Close(); err != nil {
		errs = append(errs, fmt.Errorf("board: could not unmap BAR0: %w", err))
	}
	return errors.Join(errs...)
}

var _ Driver = (*PCIe)(nil)
