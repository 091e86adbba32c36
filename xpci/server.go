// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xpci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"

	"github.com/go-lpc/xpad/layout"
	"github.com/go-lpc/xpad/topo"
)

// Request is a control request sent to a server, as a JSON object.
type Request struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Reply is the JSON reply to a control request.
// Code is 0 on success, 1 when the operation was aborted or reset and -1
// on failure.
type Reply struct {
	Msg  string `json:"msg"`
	Code int    `json:"code"`
	Data any    `json:"data,omitempty"`
}

// Status describes the state of an engine.
type Status struct {
	Topology string `json:"topology"`
	State    string `json:"state"`
	Pending  bool   `json:"pending"`
	Last     int    `json:"last"`
}

// ImageSummary describes an image read by a server.
type ImageSummary struct {
	Index int    `json:"index"`
	Type  string `json:"type"`
	Rows  int    `json:"rows"`
	Cols  int    `json:"cols"`
	Sum   uint64 `json:"sum"`
	Max   uint32 `json:"max"`
}

func summarize(i int, img *layout.Image) ImageSummary {
	o := ImageSummary{Index: i, Type: img.Type.String(), Rows: img.Rows, Cols: img.Cols}
	for r := 0; r < img.Rows; r++ {
		for c := 0; c < img.Cols; c++ {
			v := img.At(r, c)
			o.Sum += uint64(v)
			o.Max = max(o.Max, v)
		}
	}
	return o
}

// Acquisition holds the arguments of the image reading requests.
type Acquisition struct {
	Type  string    `json:"type"`
	Mask  topo.Mask `json:"mask"`
	Chips int       `json:"chips"`
	Count int       `json:"count,omitempty"`
	Burst int       `json:"burst,omitempty"`
}

func (acq Acquisition) parse() (layout.Type, int, error) {
	typ, err := layout.ParseType(acq.Type)
	if err != nil {
		return 0, 0, err
	}
	chips := acq.Chips
	if chips == 0 {
		chips = topo.MaxChips
	}
	return typ, chips, nil
}

// Server exposes an engine through a JSON control protocol.
type Server struct {
	msg *log.Logger
	eng *Engine
}

// NewServer returns a server controlling eng.
func NewServer(eng *Engine, msg *log.Logger) *Server {
	if msg == nil {
		msg = log.New(os.Stdout, "xpad-srv: ", 0)
	}
	return &Server{msg: msg, eng: eng}
}

// Serve listens on addr and serves control connections.
func Serve(addr string, eng *Engine) error {
	ctl, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("xpci: could not create control server on %q: %w", addr, err)
	}
	defer ctl.Close()
	return NewServer(eng, nil).Serve(ctl)
}

// Serve serves control connections accepted on ctl.
// Connections are served concurrently so a pending operation can be
// aborted from another connection.
func (srv *Server) Serve(ctl net.Listener) error {
	for {
		conn, err := ctl.Accept()
		if err != nil {
			return fmt.Errorf("xpci: could not accept connection: %w", err)
		}

		go func() {
			err := srv.handle(conn)
			if err != nil {
				srv.msg.Printf("could not serve %v: %+v", conn.RemoteAddr(), err)
			}
		}()
	}
}

func (srv *Server) handle(conn net.Conn) error {
	defer conn.Close()
	srv.msg.Printf("serving %v...", conn.RemoteAddr())
	defer srv.msg.Printf("serving %v... [done]", conn.RemoteAddr())

	var (
		dec = json.NewDecoder(conn)
		enc = json.NewEncoder(conn)
	)
	for {
		var req Request
		err := dec.Decode(&req)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			_ = enc.Encode(reply(nil, err))
			return fmt.Errorf("could not decode request: %w", err)
		}
		srv.msg.Printf("received request: name=%q", req.Name)

		data, err := srv.Dispatch(context.Background(), req)
		if err != nil {
			srv.msg.Printf("could not run %q: %+v", req.Name, err)
		}
		err = enc.Encode(reply(data, err))
		if err != nil {
			return fmt.Errorf("could not send reply: %w", err)
		}
		if strings.ToLower(req.Name) == "quit" {
			return nil
		}
	}
}

func reply(data any, err error) Reply {
	rep := Reply{Msg: "ok", Code: Code(err), Data: data}
	if err != nil {
		rep.Msg = fmt.Sprintf("%+v", err)
		rep.Data = nil
	}
	return rep
}

// Dispatch runs the request req and returns its result.
func (srv *Server) Dispatch(ctx context.Context, req Request) (any, error) {
	eng := srv.eng
	decode := func(v any) error {
		if len(req.Args) == 0 {
			return fmt.Errorf("xpci: missing arguments for %q", req.Name)
		}
		err := json.Unmarshal(req.Args, v)
		if err != nil {
			return fmt.Errorf("xpci: could not decode %q arguments: %w", req.Name, err)
		}
		return nil
	}

	switch strings.ToLower(req.Name) {
	case "status", "quit":
		return Status{
			Topology: eng.Topology().Name,
			State:    eng.State().String(),
			Pending:  eng.IsPending(),
			Last:     eng.LastAcquiredIndex(),
		}, nil

	case "ask-ready":
		var args struct {
			Mask topo.Mask `json:"mask"`
		}
		if err := decode(&args); err != nil {
			return nil, err
		}
		return eng.AskReady(ctx, args.Mask)

	case "scan":
		return eng.Scan(ctx)

	case "config-g":
		var args struct {
			Mask  topo.Mask `json:"mask"`
			Chips uint16    `json:"chips"`
			Reg   uint16    `json:"reg"`
			Value uint16    `json:"value"`
		}
		if err := decode(&args); err != nil {
			return nil, err
		}
		return nil, eng.SendConfigWrite(ctx, args.Mask, args.Chips, args.Reg, args.Value)

	case "config-chip":
		var args struct {
			Mask   topo.Mask  `json:"mask"`
			Chips  uint16     `json:"chips"`
			Config ChipConfig `json:"config"`
		}
		if err := decode(&args); err != nil {
			return nil, err
		}
		return nil, eng.SendChipConfig(ctx, args.Mask, args.Chips, args.Config)

	case "flat":
		var args struct {
			Mask  topo.Mask `json:"mask"`
			Chips uint16    `json:"chips"`
			Value uint16    `json:"value"`
		}
		if err := decode(&args); err != nil {
			return nil, err
		}
		return nil, eng.SendFlatConfig(ctx, args.Mask, args.Chips, args.Value)

	case "read-config-g":
		var args struct {
			Mask  topo.Mask `json:"mask"`
			Chips uint16    `json:"chips"`
			Reg   uint16    `json:"reg"`
		}
		if err := decode(&args); err != nil {
			return nil, err
		}
		return eng.ReadConfigG(ctx, args.Mask, args.Chips, args.Reg)

	case "temperatures":
		var args struct {
			Mask topo.Mask `json:"mask"`
		}
		if err := decode(&args); err != nil {
			return nil, err
		}
		return eng.ReadTemperatures(ctx, args.Mask)

	case "exposure-param":
		var args struct {
			Mask  topo.Mask     `json:"mask"`
			Param ExposureParam `json:"param"`
		}
		if err := decode(&args); err != nil {
			return nil, err
		}
		return nil, eng.SendExposureParam(ctx, args.Mask, args.Param)

	case "read-image":
		var args Acquisition
		if err := decode(&args); err != nil {
			return nil, err
		}
		typ, chips, err := args.parse()
		if err != nil {
			return nil, err
		}
		img, err := eng.ReadOneImage(ctx, typ, args.Mask, chips)
		if err != nil {
			return nil, err
		}
		return summarize(0, img), nil

	case "read-sequence":
		var args Acquisition
		if err := decode(&args); err != nil {
			return nil, err
		}
		typ, chips, err := args.parse()
		if err != nil {
			return nil, err
		}
		imgs, err := eng.ReadImageSequence(ctx, typ, args.Mask, chips, args.Count)
		o := make([]ImageSummary, len(imgs))
		for i, img := range imgs {
			o[i] = summarize(i, img)
		}
		return o, err

	case "burst":
		var args Acquisition
		if err := decode(&args); err != nil {
			return nil, err
		}
		typ, chips, err := args.parse()
		if err != nil {
			return nil, err
		}
		return nil, eng.StartStreamingBurst(ctx, typ, args.Mask, chips, args.Count, args.Burst)

	case "burst-image":
		var args struct {
			Acquisition
			Index int `json:"index"`
		}
		if err := decode(&args); err != nil {
			return nil, err
		}
		typ, chips, err := args.parse()
		if err != nil {
			return nil, err
		}
		img, err := eng.ImageFromBurst(typ, args.Mask, chips, args.Burst, args.Index)
		if err != nil {
			return nil, err
		}
		return summarize(args.Index, img), nil

	case "wait":
		return nil, eng.Wait(ctx)

	case "abort":
		eng.Abort()
		return nil, nil

	case "reset":
		eng.Reset()
		return nil, nil

	case "abort-clean":
		var args struct {
			Mask topo.Mask `json:"mask"`
		}
		if err := decode(&args); err != nil {
			return nil, err
		}
		return nil, eng.AbortClean(ctx, args.Mask)

	case "reset-board":
		return nil, eng.ResetBoard()

	case "reset-hub":
		return nil, eng.ResetHub(ctx)

	case "reboot-nios":
		var args struct {
			Mask topo.Mask `json:"mask"`
		}
		if err := decode(&args); err != nil {
			return nil, err
		}
		return nil, eng.RebootNIOS(ctx, args.Mask)

	case "dump-registers":
		var o strings.Builder
		err := eng.DumpRegisters(&o)
		if err != nil {
			return nil, err
		}
		return o.String(), nil
	}

	return nil, fmt.Errorf("xpci: unknown command %q", req.Name)
}
