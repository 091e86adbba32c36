// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xpad

import (
	"runtime/debug"
	"testing"
)

func TestVersion(t *testing.T) {
	for _, tc := range []struct {
		name string
		b    *debug.BuildInfo
		vers string
		sum  string
	}{
		{"nil", nil, "", ""},
		{
			"main",
			&debug.BuildInfo{Main: debug.Module{Path: "github.com/go-lpc/xpad", Version: "(devel)"}},
			"(devel)", "",
		},
		{
			"dep",
			&debug.BuildInfo{Deps: []*debug.Module{
				{Path: "github.com/go-daq/tdaq", Version: "v0.14.2", Sum: "h1:tdaq"},
				{Path: "github.com/go-lpc/xpad", Version: "v0.2.0", Sum: "h1:xpad"},
			}},
			"v0.2.0", "h1:xpad",
		},
		{
			"replace-path-version",
			&debug.BuildInfo{Deps: []*debug.Module{{
				Path: "github.com/go-lpc/xpad", Version: "v0.2.0",
				Replace: &debug.Module{Path: "example.org/xpad", Version: "v0.3.0", Sum: "h1:repl"},
			}}},
			"example.org/xpad v0.3.0", "h1:repl",
		},
		{
			"replace-version",
			&debug.BuildInfo{Deps: []*debug.Module{{
				Path: "github.com/go-lpc/xpad", Version: "v0.2.0",
				Replace: &debug.Module{Version: "v0.3.0", Sum: "h1:repl"},
			}}},
			"v0.3.0", "h1:repl",
		},
		{
			"replace-path",
			&debug.BuildInfo{Deps: []*debug.Module{{
				Path: "github.com/go-lpc/xpad", Version: "v0.2.0",
				Replace: &debug.Module{Path: "../xpad"},
			}}},
			"../xpad", "",
		},
		{
			"replace-empty",
			&debug.BuildInfo{Deps: []*debug.Module{{
				Path: "github.com/go-lpc/xpad", Version: "v0.2.0",
				Replace: &debug.Module{},
			}}},
			"v0.2.0*", "",
		},
		{
			"missing",
			&debug.BuildInfo{Deps: []*debug.Module{{Path: "github.com/go-daq/tdaq", Version: "v0.14.2"}}},
			"", "",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			vers, sum := versionOf(tc.b)
			if vers != tc.vers || sum != tc.sum {
				t.Fatalf("invalid version: got=(%q, %q), want=(%q, %q)", vers, sum, tc.vers, tc.sum)
			}
		})
	}
}
