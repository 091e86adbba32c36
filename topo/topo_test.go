// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package topo

import (
	"fmt"
	"testing"

	c "github.com/smartystreets/goconvey/convey"
)

func TestMask(t *testing.T) {
	for _, tc := range []struct {
		m     Mask
		n     int
		first int
		last  int
		mods  []int
	}{
		{0, 0, -1, -1, []int{}},
		{0x1, 1, 0, 0, []int{0}},
		{0x21, 2, 0, 5, []int{0, 5}},
		{0xff, 8, 0, 7, []int{0, 1, 2, 3, 4, 5, 6, 7}},
		{0x80400, 2, 10, 19, []int{10, 19}},
	} {
		t.Run(tc.m.String(), func(t *testing.T) {
			if got, want := tc.m.Count(), tc.n; got != want {
				t.Fatalf("invalid count: got=%d, want=%d", got, want)
			}
			if got, want := tc.m.First(), tc.first; got != want {
				t.Fatalf("invalid first: got=%d, want=%d", got, want)
			}
			if got, want := tc.m.Last(), tc.last; got != want {
				t.Fatalf("invalid last: got=%d, want=%d", got, want)
			}
			if got, want := tc.m.Modules(), tc.mods; fmt.Sprint(got) != fmt.Sprint(want) {
				t.Fatalf("invalid modules: got=%v, want=%v", got, want)
			}
			for _, i := range tc.mods {
				if !tc.m.Has(i) {
					t.Fatalf("mask %v should have module %d", tc.m, i)
				}
			}
			if tc.m.Has(-1) || tc.m.Has(32) {
				t.Fatalf("out of range module should not be in mask")
			}
		})
	}
}

// masks returns a sample of valid masks for the topology.
// Small topologies are scanned exhaustively.
func masks(t Topology) []Mask {
	all := t.Addressable()
	var o []Mask
	step := uint32(1)
	if all.Last() > 12 {
		step = 1021
	}
	for v := uint32(1); v <= uint32(all); v += step {
		m := Mask(v)
		if m&^all != 0 {
			continue
		}
		o = append(o, m)
	}
	return append(o, all)
}

func TestTopologyPartitions(t *testing.T) {
	c.Convey("Given every detector topology", t, func() {
		for _, tp := range All {
			tp := tp
			c.Convey(fmt.Sprintf("When masks are split over the channels of %s", tp.Name), func() {
				c.Convey("Then every module lands on exactly one channel", func() {
					c.So(tp.Channels[Ch0]&tp.Channels[Ch1], c.ShouldEqual, Mask(0))
					for _, m := range masks(tp) {
						n0 := tp.ChannelCount(m, Ch0)
						n1 := tp.ChannelCount(m, Ch1)
						c.So(n0+n1, c.ShouldEqual, m.Count())
					}
				})
				c.Convey("Then the subchannels cover each channel", func() {
					for _, m := range masks(tp) {
						q0 := tp.Quarter(m, Sub0A).Count() + tp.Quarter(m, Sub0B).Count()
						q1 := tp.Quarter(m, Sub1A).Count() + tp.Quarter(m, Sub1B).Count()
						c.So(q0, c.ShouldEqual, tp.ChannelCount(m, Ch0))
						c.So(q1, c.ShouldEqual, tp.ChannelCount(m, Ch1))
					}
				})
				c.Convey("Then the populated slots are addressable", func() {
					full := tp.Full()
					c.So(full.Count(), c.ShouldEqual, tp.Modules)
					c.So(tp.Valid(full), c.ShouldBeNil)
				})
			})
		}
	})
}

func TestTopologyValid(t *testing.T) {
	c.Convey("Given the S540 topology", t, func() {
		c.Convey("When the mask is empty", func() {
			c.So(S540.Valid(0), c.ShouldNotBeNil)
		})
		c.Convey("When the mask addresses a 9th module", func() {
			c.So(S540.Valid(0x1ff), c.ShouldNotBeNil)
		})
		c.Convey("When the mask addresses all 8 modules", func() {
			c.So(S540.Valid(0xff), c.ShouldBeNil)
		})
	})
}

func TestMaskWord(t *testing.T) {
	for _, tc := range []struct {
		tp   Topology
		m    Mask
		ch   Channel
		want uint16
	}{
		{S540, 0xff, Ch0, 0xff},
		{S540, 0xff, Ch1, 0xff},
		{S700, 0x3ff, Ch0, 0x3ff},
		{S1400, 0xfffff, Ch1, 0x3ff},
		{S1400, 0xfffff, Ch0, 0x7ff},
		{S1400, 0x00c01, Ch0, 0x403},
		{S1400, 0x00c01, Ch1, 0x001},
	} {
		t.Run(fmt.Sprintf("%s-%v-%d", tc.tp, tc.m, tc.ch), func(t *testing.T) {
			if got, want := tc.tp.MaskWord(tc.m, tc.ch), tc.want; got != want {
				t.Fatalf("invalid mask word: got=0x%x, want=0x%x", got, want)
			}
		})
	}
}

func TestLookup(t *testing.T) {
	for _, tp := range All {
		got, err := ByName(tp.Name)
		if err != nil {
			t.Fatalf("could not find %q: %+v", tp.Name, err)
		}
		if got.Code != tp.Code {
			t.Fatalf("invalid topology: got=%v, want=%v", got, tp)
		}
		got, err = ByCode(tp.Code)
		if err != nil {
			t.Fatalf("could not find code %d: %+v", tp.Code, err)
		}
		if got.Name != tp.Name {
			t.Fatalf("invalid topology: got=%v, want=%v", got, tp)
		}
	}
	if _, err := ByName("S9000"); err == nil {
		t.Fatalf("expected an error")
	}
	if _, err := ByCode(-1); err == nil {
		t.Fatalf("expected an error")
	}
}
