// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package board defines the primitive register, DMA buffer and interrupt
// surface of the PCIe interface card, together with its register map.
package board // import "github.com/go-lpc/xpad/board"

import (
	"fmt"
	"time"
)

// Bar identifies a PCIe base address register window.
type Bar int

const BAR0 Bar = 0

// Buffer is a physically contiguous, DMA-able memory region.
type Buffer struct {
	Phys uint64 // bus address handed to the card
	Data []byte // CPU mapping of the region
}

// Config describes where the card resources are exposed on a Linux host.
type Config struct {
	BAR0 string // sysfs BAR0 resource file, e.g. /sys/bus/pci/devices/0000:01:00.0/resource0
	UIO  string // UIO device delivering the card interrupts, e.g. /dev/uio0
	DMA  string // u-dma-buf device, e.g. /dev/udmabuf0
}

// Driver is the primitive board-driver surface the engine consumes.
type Driver interface {
	// RegisterRead32 reads n consecutive 32-bit registers starting at
	// word offset off.
	RegisterRead32(bar Bar, off, n int) ([]uint32, error)
	// RegisterWrite32 writes consecutive 32-bit registers starting at
	// word offset off.
	RegisterWrite32(bar Bar, off int, words ...uint32) error

	// LockPhysicalBuffer allocates a DMA buffer of size bytes.
	LockPhysicalBuffer(size int) (*Buffer, error)
	// ReleasePhysicalBuffer gives a buffer back to the driver.
	ReleasePhysicalBuffer(buf *Buffer) error

	// RegisterInterruptCallback installs fn, invoked once per DMA
	// completion pulse.
	RegisterInterruptCallback(fn func())

	Close() error
}

// BAR0 register word offsets.
const (
	RegTx0Phys  = 0
	RegTx1Phys  = 1
	RegTx0Size  = 2
	RegTx1Size  = 3
	RegRx0Phys  = 4
	RegRx1Phys  = 5
	RegRx0Size  = 6
	RegRx1Size  = 7
	RegSvc0Phys = 8
	RegSvc1Phys = 9
	RegCtrl0    = 10
	RegCtrl1    = 11
	RegTimeout  = 12
	RegSubchnl  = 13
	RegPCIeCmd  = 14
	RegIRQ      = 15

	// read-back status registers share the control offsets.
	RegFIFOLevel = RegCtrl0
	RegFirmware  = RegCtrl1

	NumRegs = 16
)

// Channel control bits.
const (
	StartTx     uint32 = 0x001
	AbortTx     uint32 = 0x002
	ResetTxFIFO uint32 = 0x004
	StartRx     uint32 = 0x100
	AbortRx     uint32 = 0x200
	ResetRxFIFO uint32 = 0x400

	ResetChannel = AbortTx | AbortRx | ResetTxFIFO | ResetRxFIFO
)

// PCIe command register values.
const (
	PCIeCmdIdle  uint32 = 0
	PCIeCmdReset uint32 = 2
)

// IRQClear acknowledges every pending interrupt when written to RegIRQ.
const IRQClear uint32 = 0xffffffff

// Subchannel register field selectors (upper half of RegSubchnl).
const (
	SubTrNum    uint32 = 0x010000
	SubTrSize0A uint32 = 0x020000
	SubTrSize0B uint32 = 0x040000
	SubTrSize1A uint32 = 0x080000
	SubTrSize1B uint32 = 0x100000
	SubTrLoop   uint32 = 0x200000
	SubUpdate0  uint32 = 0x400000
	SubUpdate1  uint32 = 0x800000
)

// Per-channel register offsets.
var (
	TxPhys  = [2]int{RegTx0Phys, RegTx1Phys}
	TxSize  = [2]int{RegTx0Size, RegTx1Size}
	RxPhys  = [2]int{RegRx0Phys, RegRx1Phys}
	RxSize  = [2]int{RegRx0Size, RegRx1Size}
	SvcPhys = [2]int{RegSvc0Phys, RegSvc1Phys}
	Ctrl    = [2]int{RegCtrl0, RegCtrl1}
)

// FIFOLevel extracts the RX FIFO level of channel ch from the RegFIFOLevel
// read-back value.
func FIFOLevel(v uint32, ch int) uint32 {
	if ch == 1 {
		return v >> 16
	}
	return v & 0xff
}

// FIFOMax is the RX FIFO capacity, the largest single DMA burst.
const FIFOMax = 128 * 1024

// SvcSize is the size of the per-channel service message area.
const SvcSize = 8

// Status is the hardware error code reported in a channel service message.
type Status uint8

const (
	StatusOK      Status = 0
	StatusSize    Status = 1
	StatusTimeout Status = 2
	StatusRx      Status = 3
	StatusTx      Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusSize:
		return "size error"
	case StatusTimeout:
		return "hardware timeout"
	case StatusRx:
		return "rx error"
	case StatusTx:
		return "tx error"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// HardTimeout is the power-of-two encoded card timeout:
// delay = 4ns * 2^(n-1), 0 disables it.
type HardTimeout uint32

const (
	TimeoutDisabled HardTimeout = 0
	Timeout1s       HardTimeout = 29
	Timeout2s       HardTimeout = 30
	Timeout4s       HardTimeout = 31
	Timeout8s       HardTimeout = 32
)

// Duration returns the delay encoded by t, 0 when disabled.
func (t HardTimeout) Duration() time.Duration {
	if t == TimeoutDisabled {
		return 0
	}
	return 4 * time.Nanosecond << (uint(t) - 1)
}

func (t HardTimeout) String() string {
	if t == TimeoutDisabled {
		return "disabled"
	}
	return t.Duration().String()
}
