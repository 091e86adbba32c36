// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package board

import (
	"fmt"
	"sort"
	"sync"
)

const poolAlign = 4096

// Pool carves DMA buffers out of one physically contiguous region.
type Pool struct {
	mu   sync.Mutex
	phys uint64
	mem  []byte
	free []span // sorted by offset
	used map[uint64]span
}

type span struct {
	off int
	len int
}

// NewPool returns a pool managing mem, mapped at bus address phys.
func NewPool(phys uint64, mem []byte) *Pool {
	return &Pool{
		phys: phys,
		mem:  mem,
		free: []span{{0, len(mem)}},
		used: make(map[uint64]span),
	}
}

// Lock allocates a buffer of size bytes.
func (p *Pool) Lock(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("board: invalid buffer size %d", size)
	}
	n := (size + poolAlign - 1) / poolAlign * poolAlign

	p.mu.Lock()
	defer p.mu.Unlock()

	for i, s := range p.free {
		if s.len < n {
			continue
		}
		blk := span{off: s.off, len: n}
		if s.len == n {
			p.free = append(p.free[:i], p.free[i+1:]...)
		} else {
			p.free[i] = span{off: s.off + n, len: s.len - n}
		}
		addr := p.phys + uint64(blk.off)
		p.used[addr] = blk
		return &Buffer{
			Phys: addr,
			Data: p.mem[blk.off : blk.off+size : blk.off+size],
		}, nil
	}
	return nil, fmt.Errorf("board: could not lock %d bytes of DMA memory", size)
}

// Release gives buf back to the pool.
func (p *Pool) Release(buf *Buffer) error {
	if buf == nil {
		return fmt.Errorf("board: nil buffer")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	blk, ok := p.used[buf.Phys]
	if !ok {
		return fmt.Errorf("board: buffer 0x%x not locked", buf.Phys)
	}
	delete(p.used, buf.Phys)

	p.free = append(p.free, blk)
	sort.Slice(p.free, func(i, j int) bool { return p.free[i].off < p.free[j].off })

	merged := p.free[:1]
	for _, s := range p.free[1:] {
		last := &merged[len(merged)-1]
		if last.off+last.len == s.off {
			last.len += s.len
			continue
		}
		merged = append(merged, s)
	}
	p.free = merged
	return nil
}

// Available returns the number of free bytes.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.free {
		n += s.len
	}
	return n
}
