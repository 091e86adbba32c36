// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xpci

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-lpc/xpad/board"
	"github.com/go-lpc/xpad/frame"
	"github.com/go-lpc/xpad/layout"
	"github.com/go-lpc/xpad/topo"
)

// askReady checks the modules of mask answer, and returns their firmware
// identifiers.
func (e *Engine) askReady(ctx context.Context, mask topo.Mask) (map[int]uint32, error) {
	replies, err := e.command(ctx, frame.NewCommand(frame.ReqReady, 0), mask, e.cfg.cmdTimeout)
	if err != nil {
		return nil, fmt.Errorf("xpci: modules %v not ready: %w", mask, err)
	}
	fw := make(map[int]uint32, len(replies))
	for mod, r := range replies {
		fw[mod] = r.Firmware()
	}
	return fw, nil
}

// AskReady checks the modules of mask answer, and returns their firmware
// identifiers, indexed by module.
func (e *Engine) AskReady(ctx context.Context, mask topo.Mask) (map[int]uint32, error) {
	ctx, end, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer end()
	return e.askReady(ctx, mask)
}

// Scan returns the mask of the populated modules answering an ask-ready
// request. Each module is given a few attempts.
func (e *Engine) Scan(ctx context.Context) (topo.Mask, error) {
	ctx, end, err := e.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer end()

	var found topo.Mask
	for _, mod := range e.topo.Full().Modules() {
		m := topo.Mask(1) << uint(mod)
		op := func() error {
			if err := cause(ctx); err != nil {
				return backoff.Permanent(err)
			}
			_, err := e.askReady(ctx, m)
			return err
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         time.Second,
			MaxElapsedTime:      e.cfg.cmdTimeout,
			Clock:               backoff.SystemClock,
		})
		if cerr := cause(ctx); cerr != nil {
			return found, cerr
		}
		if err != nil {
			e.msg.Printf("module %d not found: %+v", mod, err)
			continue
		}
		found |= m
	}
	if found == 0 {
		return 0, fmt.Errorf("xpci: no module found on %s", e.topo.Name)
	}
	return found, nil
}

// SendConfigWrite loads value into the global register reg of the chips of
// chipMask, on every module of mask. Modules are loaded one at a time.
func (e *Engine) SendConfigWrite(ctx context.Context, mask topo.Mask, chipMask, reg, value uint16) error {
	if err := e.topo.Valid(mask); err != nil {
		return fmt.Errorf("xpci: could not write config: %w", err)
	}
	ctx, end, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer end()

	for _, mod := range mask.Modules() {
		m := topo.Mask(1) << uint(mod)
		cmd := frame.NewCommand(frame.ConfigG, 0, chipMask, reg, value)
		_, err := e.command(ctx, cmd, m, e.cfg.cmdTimeout)
		if err != nil {
			return fmt.Errorf("xpci: could not write register 0x%x of module %d: %w", reg, mod, err)
		}
	}
	return nil
}

// ChipConfig holds the values of every global register of a chip.
type ChipConfig struct {
	CMOSDisable uint16
	AmpTP       uint16
	ITHH        uint16
	VADJ        uint16
	VREF        uint16
	IMFP        uint16
	IOTA        uint16
	IPRE        uint16
	ITHL        uint16
	ITUNE       uint16
	IBuffer     uint16
}

func (cfg ChipConfig) words() []uint16 {
	return []uint16{
		cfg.CMOSDisable, cfg.AmpTP, cfg.ITHH, cfg.VADJ, cfg.VREF, cfg.IMFP,
		cfg.IOTA, cfg.IPRE, cfg.ITHL, cfg.ITUNE, cfg.IBuffer,
	}
}

// SendChipConfig loads every global register of the chips of chipMask, on
// every module of mask. Modules are loaded one at a time.
func (e *Engine) SendChipConfig(ctx context.Context, mask topo.Mask, chipMask uint16, cfg ChipConfig) error {
	if err := e.topo.Valid(mask); err != nil {
		return fmt.Errorf("xpci: could not load chip config: %w", err)
	}
	ctx, end, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer end()
	defer e.setHardTimeout(board.Timeout1s)

	var (
		payload = append([]uint16{chipMask}, cfg.words()...)
		soft    = max(3*e.cfg.cmdTimeout/2, board.Timeout8s.Duration()+time.Second)
	)
	for _, mod := range mask.Modules() {
		m := topo.Mask(1) << uint(mod)
		e.setHardTimeout(board.Timeout8s)
		_, err := e.command(ctx, frame.NewCommand(frame.ConfigChip, 0, payload...), m, soft)
		if err != nil {
			return fmt.Errorf("xpci: could not load chip config of module %d: %w", mod, err)
		}
	}
	return nil
}

// SendFlatConfig loads value into the DACL register of every pixel of the
// chips of chipMask, on the modules of mask.
func (e *Engine) SendFlatConfig(ctx context.Context, mask topo.Mask, chipMask, value uint16) error {
	ctx, end, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer end()

	// loading the pixel matrices takes time.
	_, err = e.command(ctx, frame.NewCommand(frame.FlatConfig, 0, 0, chipMask, value), mask, 15*e.cfg.cmdTimeout)
	if err != nil {
		return fmt.Errorf("xpci: could not load flat config %d: %w", value, err)
	}
	return nil
}

// ReadConfigG reads back the global register reg of the chips of chipMask.
// Values are indexed by module, then by chip.
func (e *Engine) ReadConfigG(ctx context.Context, mask topo.Mask, chipMask, reg uint16) (map[int][]uint16, error) {
	ctx, end, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer end()

	replies, err := e.command(ctx, frame.NewCommand(frame.ReadConfigG, 0, chipMask, reg), mask, e.cfg.cmdTimeout)
	if err != nil {
		return nil, fmt.Errorf("xpci: could not read register 0x%x: %w", reg, err)
	}
	o := make(map[int][]uint16, len(replies))
	for mod, r := range replies {
		data := r.Data()
		if data[0] != reg {
			return nil, fmt.Errorf("xpci: module %d replied for register 0x%x, want 0x%x", mod, data[0], reg)
		}
		o[mod] = append([]uint16(nil), data[1:1+topo.MaxChips]...)
	}
	return o, nil
}

// ReadTemperatures reads the temperature (in Celsius) of every chip of the
// modules of mask, indexed by module.
func (e *Engine) ReadTemperatures(ctx context.Context, mask topo.Mask) (map[int][]float64, error) {
	ctx, end, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer end()

	replies, err := e.command(ctx, frame.NewCommand(frame.ReadTemp, 0), mask, e.cfg.cmdTimeout)
	if err != nil {
		return nil, fmt.Errorf("xpci: could not read temperatures: %w", err)
	}
	o := make(map[int][]float64, len(replies))
	for mod, r := range replies {
		data := r.Data()
		temps := make([]float64, topo.MaxChips)
		for i := range temps {
			temps[i] = float64(data[i])*2.5 - 465
		}
		o[mod] = temps
	}
	return o, nil
}

// ExposureParam holds the exposure parameters sent to the modules.
// Times are in microseconds.
type ExposureParam struct {
	Texp     uint32 // exposure time
	Twait    uint32 // wait time between images
	Tinit    uint32 // initial delay
	Tshutter uint32 // shutter time
	Tovf     uint32 // counter overflow readout period

	Mode    uint16 // trigger mode
	N, P    uint16
	Images  int    // number of images, at most MaxImages
	BusyOut uint16 // busy-out signal selection

	PostProc uint16
	GP1      uint16
	AcqMode  int    // acquisition mode, 0 to 7
	Stacking uint32 // stacking or single bunch parameter
}

// Format returns the image type produced by the acquisition mode, together
// with the mode word sent to the modules.
func (p ExposureParam) Format() (layout.Type, uint16, error) {
	long := layout.Image16
	if p.Texp > 16*p.Tovf {
		long = layout.Image32
	}
	switch p.AcqMode {
	case 0, 7:
		return long, uint16(p.AcqMode), nil
	case 1, 2:
		return layout.Image16, uint16(p.AcqMode), nil
	case 3:
		return layout.Image16, 3, nil
	case 4:
		return layout.Image32, 3, nil
	case 5:
		return layout.Image16, 4, nil
	case 6:
		return layout.Image32, 4, nil
	}
	return 0, 0, fmt.Errorf("xpci: invalid acquisition mode %d", p.AcqMode)
}

func (e *Engine) exposurePayload(p ExposureParam) ([]uint16, error) {
	if p.Images < 0 || p.Images > MaxImages {
		return nil, fmt.Errorf("xpci: invalid number of images %d", p.Images)
	}
	typ, acq, err := p.Format()
	if err != nil {
		return nil, err
	}
	var format uint16
	if typ == layout.Image32 {
		format = 1
	}

	var tshut uint32
	if p.Tshutter <= p.Texp {
		tshut = p.Texp - p.Tshutter
	}
	twait := p.Twait
	if (e.topo.Split || e.topo.Name == topo.S700.Name) && twait >= 20 {
		twait -= 20
	}

	return []uint16{
		uint16(p.Texp >> 16), uint16(p.Texp),
		uint16(twait >> 16), uint16(twait),
		uint16(p.Tinit >> 16), uint16(p.Tinit),
		uint16(tshut >> 16), uint16(tshut),
		uint16(p.Tovf >> 16), uint16(p.Tovf),
		p.Mode, p.N, p.P,
		uint16(p.Images),
		p.BusyOut,
		format,
		p.PostProc,
		p.GP1,
		acq,
		uint16(p.Stacking >> 16), uint16(p.Stacking),
	}, nil
}

// SendExposureParam sends the exposure parameters to the modules of mask.
func (e *Engine) SendExposureParam(ctx context.Context, mask topo.Mask, p ExposureParam) error {
	if err := e.topo.Valid(mask); err != nil {
		return fmt.Errorf("xpci: could not send exposure parameters: %w", err)
	}
	payload, err := e.exposurePayload(p)
	if err != nil {
		return err
	}

	ctx, end, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer end()

	_, err = e.command(ctx, frame.NewCommand(frame.ExposureParam, 0, payload...), mask, e.cfg.cmdTimeout)
	if err != nil {
		return fmt.Errorf("xpci: could not send exposure parameters: %w", err)
	}
	return nil
}

// abortExposure asks every module to stop its exposure.
func (e *Engine) abortExposure(ctx context.Context) error {
	return e.hub(ctx, frame.NewHubControl(frame.CtrlAbortExposure))
}

// abortClean brings the modules of mask back to a known state after an
// exposure, flushing whatever was left in the card FIFOs.
func (e *Engine) abortClean(ctx context.Context, mask topo.Mask) error {
	var err error
	for i := 0; i < 2; i++ {
		if e.topo.Split || e.topo.Name == topo.S700.Name {
			err = e.hub(ctx, frame.NewHubCommand(frame.HubRegFIFOReset, 0))
			if err != nil {
				continue
			}
		}
		_, err = e.askReady(ctx, mask)
	}
	return err
}

// AbortClean stops any exposure of the modules of mask and flushes the card
// FIFOs.
func (e *Engine) AbortClean(ctx context.Context, mask topo.Mask) error {
	ctx, end, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer end()

	err = e.abortExposure(ctx)
	if err != nil {
		return err
	}
	return e.abortClean(ctx, mask)
}

// RebootNIOS reboots the embedded processor of the modules of mask.
func (e *Engine) RebootNIOS(ctx context.Context, mask topo.Mask) error {
	ctx, end, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer end()

	err = e.hub(ctx, frame.NewHubCommand(frame.HubNIOSReboot, uint16(mask)))
	if err != nil {
		return fmt.Errorf("xpci: could not reboot NIOS of modules %v: %w", mask, err)
	}
	return nil
}

// ResetHub flushes the hub FIFOs and registers the module names.
func (e *Engine) ResetHub(ctx context.Context) error {
	ctx, end, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer end()

	err = e.hub(ctx, frame.NewHubCommand(frame.HubFIFOReset, 0))
	if err != nil {
		return fmt.Errorf("xpci: could not reset hub: %w", err)
	}
	err = e.hub(ctx, frame.NewHubCommand(frame.HubRegModName, 0))
	if err != nil {
		return fmt.Errorf("xpci: could not register module names: %w", err)
	}
	return nil
}
