package storage

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/hailam/kaya/katanet/desc"
)

// ReadDescription decodes a JSON description file. Files ending in ".zst"
// are decompressed first.
func ReadDescription(path string) (*desc.Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}
	m, err := desc.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// WriteDescription writes m as JSON, compressed when path ends in ".zst".
func WriteDescription(path string, m *desc.Model) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	if !strings.HasSuffix(path, ".zst") {
		return desc.Encode(f, m)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := desc.Encode(zw, m); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}
