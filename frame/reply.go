// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frame

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// ReplyWords is the size of a module reply, in 16-bit words.
	ReplyWords = 16
	// ReplyBytes is the size of a module reply, in bytes.
	ReplyBytes = 2 * ReplyWords

	replyLen = 0x000d
)

// Code identifies why a reply frame was rejected.
type Code int

const (
	CodeShort Code = iota + 1
	CodeHeader
	CodeSource
	CodeLength
	CodeOpcode
	CodeTrailer
	CodeMask
)

func (c Code) String() string {
	switch c {
	case CodeShort:
		return "short reply"
	case CodeHeader:
		return "invalid header"
	case CodeSource:
		return "invalid source"
	case CodeLength:
		return "invalid length"
	case CodeOpcode:
		return "invalid opcode"
	case CodeTrailer:
		return "invalid trailer"
	case CodeMask:
		return "source outside mask"
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error is a reply validation error.
type Error struct {
	Code Code
	Got  uint16
	Want uint16
}

func (e *Error) Error() string {
	return fmt.Sprintf("frame: %v (got=0x%04x, want=0x%04x)", e.Code, e.Got, e.Want)
}

// Reply is a module reply frame:
//
//	[ModHeader, source, 0x000d, ack, data[11], Trailer]
type Reply [ReplyWords]uint16

// Source returns the 1-based id of the replying module.
func (r Reply) Source() int { return int(r[1]) }

// Module returns the 0-based index of the replying module.
func (r Reply) Module() int { return int(r[1]) - 1 }

// Ack returns the acknowledged opcode.
func (r Reply) Ack() Opcode { return Opcode(r[3]) }

// Data returns the 11 data words of the reply.
func (r Reply) Data() []uint16 { return r[4 : ReplyWords-1] }

// Firmware returns the firmware identifier carried by an ask-ready reply.
func (r Reply) Firmware() uint32 {
	return uint32(r[4]&0xff)<<24 | uint32(r[5]&0xff)<<16 | uint32(r[6])
}

// Validate checks a reply against the expected acknowledgement opcode and
// the addressed module mask. idBits holds the bits a source word may carry.
// Validate returns the 0-based index of the replying module.
func Validate(words []uint16, ack Opcode, mask uint32, idBits uint16) (int, error) {
	if len(words) < ReplyWords {
		return -1, &Error{Code: CodeShort, Got: uint16(len(words)), Want: ReplyWords}
	}
	if words[0] != ModHeader {
		return -1, &Error{Code: CodeHeader, Got: words[0], Want: ModHeader}
	}
	src := words[1]
	if src == 0 || src&^idBits != 0 {
		return -1, &Error{Code: CodeSource, Got: src, Want: idBits}
	}
	if words[2] != replyLen {
		return -1, &Error{Code: CodeLength, Got: words[2], Want: replyLen}
	}
	if Opcode(words[3]) != ack {
		return -1, &Error{Code: CodeOpcode, Got: words[3], Want: uint16(ack)}
	}
	if words[ReplyWords-1] != Trailer {
		return -1, &Error{Code: CodeTrailer, Got: words[ReplyWords-1], Want: Trailer}
	}
	mod := int(src) - 1
	if mod >= 32 || mask&(1<<uint(mod)) == 0 {
		return -1, &Error{Code: CodeMask, Got: src, Want: uint16(mask)}
	}
	return mod, nil
}

// NewReply builds the reply a module sends back to acknowledge op.
func NewReply(module int, op Opcode, data ...uint16) Reply {
	var r Reply
	r[0] = ModHeader
	r[1] = uint16(module + 1)
	r[2] = replyLen
	r[3] = uint16(Ack(op))
	copy(r[4:ReplyWords-1], data)
	r[ReplyWords-1] = Trailer
	return r
}

// Decoder reads module replies from an underlying stream.
type Decoder struct {
	r   io.Reader
	buf []byte
	err error
}

// NewDecoder returns a decoder reading replies from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, buf: make([]byte, ReplyBytes)}
}

// Decode reads the next reply frame.
func (dec *Decoder) Decode(r *Reply) error {
	if dec.err != nil {
		return dec.err
	}
	_, dec.err = io.ReadFull(dec.r, dec.buf)
	if dec.err != nil {
		return dec.err
	}
	for i := range r {
		r[i] = binary.LittleEndian.Uint16(dec.buf[2*i:])
	}
	return nil
}
