package jpx

import (
	"bytes"
	"context"
	"testing"

	"github.com/lxman/go-jpx/internal/j2ktest"
)

// FuzzDecodeRaster tests the decoder with arbitrary input data.
// Run with: go test -fuzz=FuzzDecodeRaster -fuzztime=60s
func FuzzDecodeRaster(f *testing.F) {
	small := j2ktest.Options{Width: 16, Height: 12, Levels: 2, Layers: 2, SOP: true, EPH: true}
	if data, err := j2ktest.Encode(texture(small, 1), small); err == nil {
		f.Add(data)
	}
	tiled := j2ktest.Options{Width: 20, Height: 20, TileWidth: 8, TileHeight: 8, Levels: 1, MCT: true}
	if data, err := j2ktest.Encode(texture(tiled, 3), tiled); err == nil {
		f.Add(data)
	}
	f.Add(append(j2ktest.MainHeader(small, 1), 0xFF, 0xD9))
	f.Add([]byte{0xFF, 0x4F, 0xFF, 0x51})
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		raster, err := DecodeRaster(context.Background(), data, &Config{Workers: 2, MaxSamples: 1 << 20})
		if err == nil && raster == nil {
			t.Fatal("nil raster without error")
		}
		if raster != nil && len(raster.Pix) != raster.Width*raster.Height*raster.NumComponents {
			t.Fatalf("Pix has %d samples for %dx%dx%d", len(raster.Pix), raster.Width, raster.Height, raster.NumComponents)
		}
	})
}

// FuzzDecodeConfig tests header parsing with arbitrary input.
func FuzzDecodeConfig(f *testing.F) {
	opts := j2ktest.Options{Width: 9, Height: 7, Levels: 1, Comment: "seed"}
	f.Add(append(j2ktest.MainHeader(opts, 3), 0xFF, 0xD9))
	f.Add([]byte{0xFF, 0x4F})

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = DecodeConfig(bytes.NewReader(data))
	})
}
