// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package xpci drives XPAD detector modules through a PCIe DMA interface
// card: command transport, completion supervision, pipelined image reads
// and disk-streamed bursts.
package xpci // import "github.com/go-lpc/xpad/xpci"

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-lpc/xpad/board"
	"github.com/go-lpc/xpad/topo"
)

var (
	// ErrAborted is the cause of an operation stopped by Abort.
	ErrAborted = errors.New("xpci: operation aborted")
	// ErrReset is the cause of an operation stopped by Reset.
	ErrReset = errors.New("xpci: operation reset")
	// ErrBusy is returned when another operation is pending.
	ErrBusy = errors.New("xpci: another operation is pending")
	// ErrSoftTimeout is returned when a completion interrupt never came.
	ErrSoftTimeout = errors.New("xpci: soft timeout waiting for DMA completion")
	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("xpci: engine closed")
)

// DMAError is a hardware error reported in a channel service message.
type DMAError struct {
	Channel topo.Channel
	Status  board.Status
}

func (e *DMAError) Error() string {
	return fmt.Sprintf("xpci: DMA error on channel %d: %v (0x%x)", e.Channel, e.Status, uint8(e.Status))
}

// Code maps an operation result to the status code exposed to callers:
// 0 on success, 1 when stopped on request (abort or reset), -1 on failure.
func Code(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrAborted), errors.Is(err, ErrReset):
		return 1
	default:
		return -1
	}
}

// State is the acquisition state of an engine.
type State int32

const (
	Idle State = iota
	Armed
	Exposing
	Reading
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Exposing:
		return "exposing"
	case Reading:
		return "reading"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Engine drives the detector modules attached to one interface card.
// An engine runs at most one operation at a time.
type Engine struct {
	msg  *log.Logger
	drv  board.Driver
	topo topo.Topology
	cfg  config

	err  error // sticky register I/O error
	regs [board.NumRegs]reg32
	svc  *board.Buffer // service messages, board.SvcSize bytes per channel
	hard board.HardTimeout

	irq chan struct{}

	op struct {
		sync.Mutex
		pending bool
		closed  bool
		cancel  context.CancelCauseFunc
		running chan struct{} // closed when the pending op ends
		done    chan struct{} // closed when the pending async op ends
		err     error         // result of the last async op
	}
	state atomic.Int32
	last  atomic.Int64
}

// New creates an engine driving the modules of topology t through drv.
// New resets the board and takes ownership of drv.
func New(drv board.Driver, t topo.Topology, opts ...Option) (*Engine, error) {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.msg == nil {
		cfg.msg = log.New(os.Stdout, "xpci: ", 0)
	}

	hard := board.Timeout1s.Duration()
	if cfg.cmdTimeout <= hard {
		return nil, fmt.Errorf("xpci: command timeout (%v) must exceed the hardware timeout (%v)", cfg.cmdTimeout, hard)
	}
	if cfg.imgTimeout <= hard {
		return nil, fmt.Errorf("xpci: image timeout (%v) must exceed the hardware timeout (%v)", cfg.imgTimeout, hard)
	}

	e := &Engine{
		msg:  cfg.msg,
		drv:  drv,
		topo: t,
		cfg:  cfg,
		irq:  make(chan struct{}, 64),
	}
	for i := range e.regs {
		e.regs[i] = newReg32(e, i)
	}
	e.last.Store(-1)

	svc, err := drv.LockPhysicalBuffer(2 * board.SvcSize)
	if err != nil {
		return nil, fmt.Errorf("xpci: could not lock service buffer: %w", err)
	}
	e.svc = svc

	drv.RegisterInterruptCallback(e.interrupt)

	err = e.resetBoard()
	if err != nil {
		_ = drv.ReleasePhysicalBuffer(svc)
		return nil, fmt.Errorf("xpci: could not reset board: %w", err)
	}

	return e, nil
}

// Topology returns the detector topology driven by the engine.
func (e *Engine) Topology() topo.Topology { return e.topo }

// State returns the current acquisition state.
func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) setState(s State) { e.state.Store(int32(s)) }

// IsPending reports whether an operation is in flight.
func (e *Engine) IsPending() bool {
	e.op.Lock()
	defer e.op.Unlock()
	return e.op.pending
}

// LastAcquiredIndex returns the index of the last image acquired by the
// current (or last) sequence or burst, -1 if none.
func (e *Engine) LastAcquiredIndex() int { return int(e.last.Load()) }

// Abort requests the pending operation to stop at its next wait boundary.
// The operation then reports ErrAborted.
func (e *Engine) Abort() { e.stop(ErrAborted) }

// Reset requests the pending operation to stop right away, resetting the
// channels. The operation then reports ErrReset.
func (e *Engine) Reset() { e.stop(ErrReset) }

func (e *Engine) stop(cause error) {
	e.op.Lock()
	defer e.op.Unlock()
	if e.op.cancel != nil {
		e.msg.Printf("%v requested", cause)
		e.op.cancel(cause)
	}
}

// begin reserves the engine for one operation.
// The returned function must be called once the operation is over.
func (e *Engine) begin(ctx context.Context) (context.Context, func(), error) {
	e.op.Lock()
	defer e.op.Unlock()
	switch {
	case e.op.closed:
		return nil, nil, ErrClosed
	case e.op.pending:
		return nil, nil, ErrBusy
	}
	ctx, cancel := context.WithCancelCause(ctx)
	running := make(chan struct{})
	e.op.pending = true
	e.op.cancel = cancel
	e.op.running = running
	e.err = nil
	return ctx, func() {
		e.op.Lock()
		defer e.op.Unlock()
		cancel(nil)
		e.op.pending = false
		e.op.cancel = nil
		e.op.running = nil
		e.setState(Idle)
		close(running)
	}, nil
}

// cause returns the reason ctx was cancelled, nil otherwise.
func cause(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return context.Cause(ctx)
}

func (e *Engine) interrupt() {
	select {
	case e.irq <- struct{}{}:
	default:
	}
}

// Close waits for the pending operation, if any, and releases the board
// resources. An operation still pending after the grace period is reset.
func (e *Engine) Close() error {
	e.op.Lock()
	if e.op.closed {
		e.op.Unlock()
		return nil
	}
	running := e.op.running
	e.op.closed = true
	e.op.Unlock()

	if running != nil {
		select {
		case <-running:
		case <-time.After(e.cfg.grace):
			e.Reset()
			<-running
		}
	}

	e.drv.RegisterInterruptCallback(nil)
	e.setState(Closed)

	var errs []error
	if e.svc != nil {
		err := e.drv.ReleasePhysicalBuffer(e.svc)
		if err != nil {
			errs = append(errs, fmt.Errorf("xpci: could not release service buffer: %w", err))
		}
		e.svc = nil
	}
	err := e.drv.Close()
	if err != nil {
		errs = append(errs, fmt.Errorf("xpci: could not close board driver: %w", err))
	}
	return errors.Join(errs...)
}
