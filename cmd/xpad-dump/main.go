// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// xpad-dump decodes and displays the images of a streaming burst.
//
// Usage: xpad-dump [OPTIONS]
//
// Example:
//
//	$> xpad-dump -dir /var/lib/xpad -id 3 -topo S540 -mask 0xff
//	=== burst 3: 2 images (S540, 16b, mask=0x000ff, chips=7) ===
//	image    0: sum=  5832093184 max= 38031
//	image    1: sum=  5832215224 max= 38034
//	pixels: entries=1075200 mean=27124.78 rms=4573.06
//
//	$> xpad-dump -dir /var/lib/xpad -id 3 -o burst.fits -hist pixels.yoda
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	"github.com/astrogo/fitsio"
	"github.com/go-lpc/xpad/burst"
	"github.com/go-lpc/xpad/layout"
	"github.com/go-lpc/xpad/topo"
	"go-hep.org/x/hep/hbook"
)

type options struct {
	dir   string
	id    int
	geo   layout.Geometry
	mask  topo.Mask
	fits  string // FITS output file, empty to skip
	hist  string // YODA histogram output file, empty to skip
	nbins int
}

func main() {
	log.SetPrefix("xpad-dump: ")
	log.SetFlags(0)

	var (
		dir   = flag.String("dir", ".", "burst directory")
		id    = flag.Int("id", 0, "burst id")
		tname = flag.String("topo", "S540", "detector topology")
		typ   = flag.String("type", "16b", "image type (16b or 32b)")
		mask  = flag.String("mask", "", "module mask (default: all modules)")
		chips = flag.Int("chips", topo.MaxChips, "chips per module")
		ofits = flag.String("o", "", "path to output FITS file")
		ohist = flag.String("hist", "", "path to output YODA pixel histogram")
		nbins = flag.Int("nbins", 100, "number of bins of the pixel histogram")
	)

	flag.Usage = func() {
		fmt.Printf(`xpad-dump decodes and displays the images of a streaming burst.

Usage: xpad-dump [OPTIONS]

Example:

 $> xpad-dump -dir /var/lib/xpad -id 3 -topo S540 -mask 0xff
 $> xpad-dump -dir /var/lib/xpad -id 3 -o burst.fits -hist pixels.yoda

`)
		flag.PrintDefaults()
	}

	flag.Parse()

	opts, err := newOptions(*dir, *id, *tname, *typ, *mask, *chips)
	if err != nil {
		flag.Usage()
		log.Fatalf("invalid options: %+v", err)
	}
	opts.fits = *ofits
	opts.hist = *ohist
	opts.nbins = *nbins

	err = process(os.Stdout, opts)
	if err != nil {
		log.Fatalf("could not dump burst %d: %+v", opts.id, err)
	}
}

func newOptions(dir string, id int, tname, typ, mask string, chips int) (options, error) {
	t, err := topo.ByName(tname)
	if err != nil {
		return options{}, err
	}
	it, err := layout.ParseType(typ)
	if err != nil {
		return options{}, err
	}
	if chips < 1 || chips > topo.MaxChips {
		return options{}, fmt.Errorf("invalid number of chips %d", chips)
	}
	m := t.Full()
	if mask != "" {
		v, err := strconv.ParseUint(mask, 0, 32)
		if err != nil {
			return options{}, fmt.Errorf("invalid module mask %q: %w", mask, err)
		}
		m = topo.Mask(v)
	}
	err = t.Valid(m)
	if err != nil {
		return options{}, err
	}
	return options{
		dir:   dir,
		id:    id,
		geo:   layout.Geometry{Topo: t, Type: it, Chips: chips},
		mask:  m,
		nbins: 100,
	}, nil
}

func process(w io.Writer, opts options) error {
	wbuf := bufio.NewWriter(w)
	defer wbuf.Flush()

	files, err := burst.Files(opts.dir, opts.id)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no image for burst %d in %q", opts.id, opts.dir)
	}

	fmt.Fprintf(wbuf, "=== burst %d: %d images (%s, %v, mask=%v, chips=%d) ===\n",
		opts.id, len(files), opts.geo.Topo.Name, opts.geo.Type, opts.mask, opts.geo.Chips,
	)

	hmax := float64(1 << 16)
	if opts.geo.Type == layout.Image32 {
		hmax = float64(1 << 32)
	}
	h := hbook.NewH1D(opts.nbins, 0, hmax)
	h.Annotation()["name"] = "pixels"

	imgs := make([]*layout.Image, 0, len(files))
	for i := range files {
		raw, err := burst.ReadRaw(opts.dir, opts.id, i)
		if err != nil {
			return err
		}
		img, err := layout.Reassemble(raw, opts.geo, opts.mask)
		if err != nil {
			return fmt.Errorf("could not decode image %d: %w", i, err)
		}

		var (
			sum uint64
			max uint32
		)
		for r := 0; r < img.Rows; r++ {
			for c := 0; c < img.Cols; c++ {
				v := img.At(r, c)
				sum += uint64(v)
				if v > max {
					max = v
				}
				h.Fill(float64(v), 1)
			}
		}
		fmt.Fprintf(wbuf, "image % 4d: sum=% 12d max=% 6d\n", i, sum, max)
		imgs = append(imgs, img)
	}
	fmt.Fprintf(wbuf, "pixels: entries=%d mean=%.2f rms=%.2f\n", h.Entries(), h.XMean(), h.XStdDev())

	if opts.fits != "" {
		err = writeFITS(opts.fits, opts, imgs)
		if err != nil {
			return err
		}
	}

	if opts.hist != "" {
		raw, err := h.MarshalYODA()
		if err != nil {
			return fmt.Errorf("could not encode pixel histogram: %w", err)
		}
		err = os.WriteFile(opts.hist, raw, 0644)
		if err != nil {
			return fmt.Errorf("could not write pixel histogram: %w", err)
		}
	}

	return nil
}

// writeFITS writes the images as a (cols, rows, images) FITS cube.
// Unsigned pixels are stored with the usual BZERO offset.
func writeFITS(fname string, opts options, imgs []*layout.Image) error {
	f, err := os.Create(fname)
	if err != nil {
		return fmt.Errorf("could not create FITS file: %w", err)
	}
	defer f.Close()

	fits, err := fitsio.Create(f)
	if err != nil {
		return fmt.Errorf("could not create FITS stream: %w", err)
	}
	defer fits.Close()

	var (
		rows = imgs[0].Rows
		cols = imgs[0].Cols
		dims = []int{cols, rows, len(imgs)}
		n    = rows * cols
	)

	cards := []fitsio.Card{
		{Name: "TOPOLOGY", Value: opts.geo.Topo.Name, Comment: "detector topology"},
		{Name: "MODMASK", Value: int(opts.mask), Comment: "module mask"},
		{Name: "CHIPS", Value: opts.geo.Chips, Comment: "chips per module"},
		{Name: "BURST", Value: opts.id, Comment: "burst id"},
		{Name: "BSCALE", Value: 1.0},
	}

	var im fitsio.Image
	switch opts.geo.Type {
	case layout.Image32:
		im = fitsio.NewImage(32, dims)
		cards = append(cards, fitsio.Card{Name: "BZERO", Value: 2147483648})
		data := make([]int32, 0, n*len(imgs))
		for _, img := range imgs {
			for _, v := range img.Pix32 {
				data = append(data, int32(v-1<<31))
			}
		}
		err = writeImage(im, cards, data)
	default:
		im = fitsio.NewImage(16, dims)
		cards = append(cards, fitsio.Card{Name: "BZERO", Value: 32768})
		data := make([]int16, 0, n*len(imgs))
		for _, img := range imgs {
			for _, v := range img.Pix16 {
				data = append(data, int16(v-1<<15))
			}
		}
		err = writeImage(im, cards, data)
	}
	defer im.Close()
	if err != nil {
		return err
	}

	err = fits.Write(im)
	if err != nil {
		return fmt.Errorf("could not write FITS image: %w", err)
	}
	return nil
}

func writeImage(im fitsio.Image, cards []fitsio.Card, data any) error {
	err := im.Header().Append(cards...)
	if err != nil {
		return fmt.Errorf("could not fill FITS header: %w", err)
	}
	err = im.Write(data)
	if err != nil {
		return fmt.Errorf("could not fill FITS image: %w", err)
	}
	return nil
}
