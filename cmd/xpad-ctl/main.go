// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command xpad-ctl is a client of the imXPAD control service.
//
// Without arguments, xpad-ctl starts an interactive shell.
// Otherwise, it runs the request described by its arguments and exits.
//
// Usage: xpad-ctl [OPTIONS] [NAME [JSON-ARGS]]
//
// Example:
//
//	$> xpad-ctl -addr xpad-pc:8877 status
//	$> xpad-ctl config-g '{"mask": 255, "chips": 127, "reg": 62, "value": 33}'
//	$> xpad-ctl
//	xpad> ask-ready {"mask": 3}
//	xpad> quit
package main // import "github.com/go-lpc/xpad/cmd/xpad-ctl"

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-lpc/xpad/xpci"
	"github.com/peterh/liner"
)

var cmds = []string{
	"abort", "abort-clean", "ask-ready", "burst", "burst-image",
	"config-chip", "config-g", "dump-registers", "exposure-param", "flat",
	"help", "quit", "read-config-g", "read-image", "read-sequence",
	"reboot-nios", "reset", "reset-board", "reset-hub", "scan", "status",
	"temperatures", "wait",
}

func main() {
	log.SetPrefix("xpad-ctl: ")
	log.SetFlags(0)

	addr := flag.String("addr", ":8877", "[ip]:port of the imXPAD control service")

	flag.Parse()

	err := run(*addr, flag.Args(), os.Stdout)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(addr string, args []string, w io.Writer) error {
	c, err := dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	if len(args) > 0 {
		_, err = c.exec(w, strings.Join(args, " "))
		return err
	}
	return shell(c, w)
}

type client struct {
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

func dial(addr string) (*client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("could not dial %q: %w", addr, err)
	}
	return &client{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}, nil
}

func (c *client) Close() error {
	return c.conn.Close()
}

func (c *client) call(name string, args json.RawMessage) (xpci.Reply, error) {
	var rep xpci.Reply
	err := c.enc.Encode(xpci.Request{Name: name, Args: args})
	if err != nil {
		return rep, fmt.Errorf("could not send %q request: %w", name, err)
	}
	err = c.dec.Decode(&rep)
	if err != nil {
		return rep, fmt.Errorf("could not decode %q reply: %w", name, err)
	}
	return rep, nil
}

// exec runs the request held in line and displays its reply.
// exec reports whether the session is over.
func (c *client) exec(w io.Writer, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	name, rest, _ := strings.Cut(line, " ")
	switch name {
	case "help":
		fmt.Fprintf(w, "commands: %s\n", strings.Join(cmds, ", "))
		return false, nil
	case "exit":
		name = "quit"
	}

	var args json.RawMessage
	if rest = strings.TrimSpace(rest); rest != "" {
		if !json.Valid([]byte(rest)) {
			return false, fmt.Errorf("invalid JSON arguments %q", rest)
		}
		args = json.RawMessage(rest)
	}

	rep, err := c.call(name, args)
	if err != nil {
		return true, err
	}
	quit := name == "quit"

	switch rep.Code {
	case 0:
		fmt.Fprintf(w, "%s: ok\n", name)
	case 1:
		fmt.Fprintf(w, "%s: interrupted: %s\n", name, rep.Msg)
	default:
		return quit, fmt.Errorf("%s failed: %s", name, rep.Msg)
	}
	if rep.Data != nil {
		if s, ok := rep.Data.(string); ok {
			fmt.Fprintln(w, s)
			return quit, nil
		}
		raw, err := json.MarshalIndent(rep.Data, "", "  ")
		if err != nil {
			return quit, fmt.Errorf("could not display %q reply: %w", name, err)
		}
		fmt.Fprintf(w, "%s\n", raw)
	}
	return quit, nil
}

func shell(c *client, w io.Writer) error {
	term := liner.NewLiner()
	defer term.Close()

	term.SetCtrlCAborts(true)
	term.SetCompleter(complete)

	hist := history()
	if f, err := os.Open(hist); err == nil {
		_, _ = term.ReadHistory(f)
		f.Close()
	}
	defer func() {
		f, err := os.Create(hist)
		if err != nil {
			log.Printf("could not save history: %+v", err)
			return
		}
		defer f.Close()
		_, _ = term.WriteHistory(f)
	}()

	for {
		line, err := term.Prompt("xpad> ")
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				_, err = c.exec(w, "quit")
				return err
			}
			return fmt.Errorf("could not read command: %w", err)
		}
		term.AppendHistory(line)

		quit, err := c.exec(w, line)
		if err != nil {
			log.Printf("%+v", err)
		}
		if quit {
			return nil
		}
	}
}

func complete(line string) []string {
	var o []string
	for _, name := range cmds {
		if strings.HasPrefix(name, line) {
			o = append(o, name)
		}
	}
	sort.Strings(o)
	return o
}

func history() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, ".xpad-ctl.history")
}
