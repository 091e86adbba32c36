// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package burst streams raw detector images to disk through a bounded
// in-memory ring.
package burst // import "github.com/go-lpc/xpad/burst"

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Capacity returns the default ring capacity for a burst of n images.
func Capacity(n int) int {
	return int(0.025*float64(n)) + 10
}

// Ring is a fixed-capacity ring of raw image slots shared by one producer
// and one consumer.
//
// The producer never gets ahead of the consumer by more than the ring
// capacity: 0 <= Read()-Write() <= Cap() always holds.
type Ring struct {
	size  int
	slots [][]byte

	free chan struct{} // one token per slot available to the producer
	full chan struct{} // one token per slot ready for the consumer
	quit chan struct{}
	once sync.Once

	mu    sync.Mutex
	read  int // images committed by the producer
	write int // images released by the consumer
	live  int // allocated slot buffers
	peak  int
}

// NewRing returns a ring of n slots of size bytes each.
// Slot buffers are allocated on demand and freed once released.
func NewRing(n, size int) *Ring {
	if n <= 0 {
		panic(fmt.Errorf("burst: invalid ring capacity %d", n))
	}
	r := &Ring{
		size:  size,
		slots: make([][]byte, n),
		free:  make(chan struct{}, n),
		full:  make(chan struct{}, n),
		quit:  make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		r.free <- struct{}{}
	}
	return r
}

// Cap returns the number of slots of the ring.
func (r *Ring) Cap() int { return len(r.slots) }

// Read returns the number of images committed by the producer.
func (r *Ring) Read() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read
}

// Write returns the number of images released by the consumer.
func (r *Ring) Write() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.write
}

// Live returns the number of slot buffers currently allocated.
func (r *Ring) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

// Peak returns the largest number of slot buffers allocated at once.
func (r *Ring) Peak() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peak
}

// Acquire returns the next slot to fill, blocking while the ring is full.
func (r *Ring) Acquire(ctx context.Context) ([]byte, error) {
	select {
	case <-r.free:
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.read % len(r.slots)
	if r.slots[i] == nil {
		r.slots[i] = make([]byte, r.size)
		r.live++
		r.peak = max(r.peak, r.live)
	}
	return r.slots[i], nil
}

// Commit hands the slot returned by the last Acquire over to the consumer.
func (r *Ring) Commit() {
	r.mu.Lock()
	r.read++
	r.mu.Unlock()
	r.full <- struct{}{}
}

// Close signals the producer is done. Committed slots can still be
// consumed.
func (r *Ring) Close() {
	r.once.Do(func() { close(r.quit) })
}

// Next returns the oldest committed slot and its image index, blocking
// until one is available. Next returns io.EOF once the ring is closed and
// drained.
func (r *Ring) Next(ctx context.Context) ([]byte, int, error) {
	select {
	case <-r.full:
	default:
		select {
		case <-r.full:
		case <-r.quit:
			// the producer may have committed right before closing.
			select {
			case <-r.full:
			default:
				return nil, -1, io.EOF
			}
		case <-ctx.Done():
			return nil, -1, context.Cause(ctx)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.write % len(r.slots)
	return r.slots[i], r.write, nil
}

// Release frees the slot returned by the last Next.
func (r *Ring) Release() {
	r.mu.Lock()
	i := r.write % len(r.slots)
	r.slots[i] = nil
	r.live--
	r.write++
	r.mu.Unlock()
	r.free <- struct{}{}
}
