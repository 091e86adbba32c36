// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package burst

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Name returns the name of the file holding raw image i of burst id.
func Name(dir string, id, i int) string {
	return filepath.Join(dir, fmt.Sprintf("burst_%d_img_%d.bin", id, i))
}

// Files returns the raw image files of burst id, sorted by image index.
func Files(dir string, id int) ([]string, error) {
	fnames, err := filepath.Glob(filepath.Join(dir, fmt.Sprintf("burst_%d_img_*.bin", id)))
	if err != nil {
		return nil, fmt.Errorf("burst: could not list files of burst %d: %w", id, err)
	}
	idx := make(map[string]int, len(fnames))
	o := fnames[:0]
	for _, fname := range fnames {
		var bid, i int
		_, err := fmt.Sscanf(filepath.Base(fname), "burst_%d_img_%d.bin", &bid, &i)
		if err != nil || bid != id || filepath.Base(fname) != filepath.Base(Name(dir, id, i)) {
			continue
		}
		idx[fname] = i
		o = append(o, fname)
	}
	sort.Slice(o, func(i, j int) bool { return idx[o[i]] < idx[o[j]] })
	return o, nil
}

// Clean removes the raw image files of burst id.
func Clean(dir string, id int) error {
	fnames, err := Files(dir, id)
	if err != nil {
		return err
	}
	for _, fname := range fnames {
		err := os.Remove(fname)
		if err != nil {
			return fmt.Errorf("burst: could not remove %q: %w", fname, err)
		}
	}
	return nil
}

// ReadRaw reads back raw image i of burst id.
func ReadRaw(dir string, id, i int) ([]byte, error) {
	raw, err := os.ReadFile(Name(dir, id, i))
	if err != nil {
		return nil, fmt.Errorf("burst: could not read image %d of burst %d: %w", i, id, err)
	}
	return raw, nil
}

func writeRaw(fname string, raw []byte) error {
	f, err := os.Create(fname)
	if err != nil {
		return fmt.Errorf("burst: could not create %q: %w", fname, err)
	}
	defer f.Close()

	_, err = f.Write(raw)
	if err != nil {
		return fmt.Errorf("burst: could not write %q: %w", fname, err)
	}
	err = f.Sync()
	if err != nil {
		return fmt.Errorf("burst: could not sync %q: %w", fname, err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("burst: could not close %q: %w", fname, err)
	}
	return nil
}
