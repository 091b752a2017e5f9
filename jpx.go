// Package jpx provides a pure Go decoder for JPEG 2000 Part-1 codestreams.
//
// JPEG 2000 (ISO/IEC 15444-1) is a wavelet-based image compression
// standard with both lossless and lossy modes. This package decodes raw
// codestreams, the payload of a PDF JPXDecode filter or of the jp2c box
// of a JP2 file. Unwrapping any container is left to the caller.
//
// Basic usage:
//
//	data, _ := os.ReadFile("image.j2k")
//	raster, err := jpx.DecodeRaster(ctx, data, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Importing the package also registers the "j2k" format with the image
// package, so image.Decode recognizes codestreams.
package jpx

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"

	"github.com/lxman/go-jpx/internal/codestream"
)

// ProgressionOrder defines the order in which packets are encoded/decoded.
type ProgressionOrder int

const (
	// LRCP is Layer-Resolution-Component-Position order.
	LRCP ProgressionOrder = iota
	// RLCP is Resolution-Layer-Component-Position order.
	RLCP
	// RPCL is Resolution-Position-Component-Layer order.
	RPCL
	// PCRL is Position-Component-Resolution-Layer order.
	PCRL
	// CPRL is Component-Position-Resolution-Layer order.
	CPRL
)

// String returns the string representation of the progression order.
func (p ProgressionOrder) String() string {
	switch p {
	case LRCP:
		return "LRCP"
	case RLCP:
		return "RLCP"
	case RPCL:
		return "RPCL"
	case PCRL:
		return "PCRL"
	case CPRL:
		return "CPRL"
	default:
		return "Unknown"
	}
}

// Wavelet identifies the wavelet filter of the default coding style.
type Wavelet int

const (
	// Irreversible97 is the 9-7 filter used for lossy coding.
	Irreversible97 Wavelet = iota
	// Reversible53 is the 5-3 filter used for lossless coding.
	Reversible53
)

// String returns the name of the filter.
func (w Wavelet) String() string {
	switch w {
	case Irreversible97:
		return "9-7 irreversible"
	case Reversible53:
		return "5-3 reversible"
	default:
		return "Unknown"
	}
}

// Policy selects how truncated tiles are handled.
type Policy int

const (
	// BestEffort decodes truncated tiles from the data that is present
	// and logs the truncation at warn level.
	BestEffort Policy = iota
	// Strict fails the decode on truncated data and reports code-blocks
	// with corrupt bitstreams.
	Strict
)

// UpsampleMode selects how subsampled components are placed on the output
// raster.
type UpsampleMode int

const (
	// UpsampleNearest puts every component on the reference grid by
	// nearest-neighbour replication.
	UpsampleNearest UpsampleMode = iota
	// UpsampleNone keeps samples on their component grid. All components
	// must share one subsampling.
	UpsampleNone
)

// Config holds the decoding configuration.
type Config struct {
	// DecodeArea specifies a region of the reference grid to decode (nil
	// for the full image). It is given at full resolution.
	DecodeArea *image.Rectangle

	// ReduceResolution specifies the number of resolution levels to skip.
	// 0 means full resolution, 1 means half resolution, etc.
	ReduceResolution int

	// QualityLayers specifies the number of quality layers to decode.
	// 0 means all layers.
	QualityLayers int

	// Workers bounds the goroutines used for tiles and code-blocks.
	// 0 means runtime.GOMAXPROCS(0).
	Workers int

	Upsample UpsampleMode
	Policy   Policy

	// MaxSamples bounds the samples allocated for the raster and for any
	// one tile, counted over all components. 0 means DefaultMaxSamples and
	// a negative value removes the bound.
	MaxSamples int

	// Logger receives diagnostics. Nil discards them.
	Logger *slog.Logger
}

// DefaultMaxSamples is the sample bound used when Config.MaxSamples is 0.
const DefaultMaxSamples = 1 << 28

// Raster is a decoded image region.
type Raster struct {
	Width, Height int
	NumComponents int

	// Precision and Signed describe each component.
	Precision []int
	Signed    []bool

	// Pix holds the samples row by row with components interleaved:
	// Pix[(y*Width+x)*NumComponents+c].
	Pix []int32

	// Rect is the decoded region on the reference grid after resolution
	// reduction, or on the component grid with UpsampleNone.
	Rect image.Rectangle
}

// At returns sample c of the pixel at (x, y), relative to the raster
// origin.
func (r *Raster) At(x, y, c int) int32 {
	return r.Pix[(y*r.Width+x)*r.NumComponents+c]
}

// Info contains the header information of a codestream.
type Info struct {
	// Width and Height are the image area size.
	Width, Height int
	// XOffset and YOffset are the image area origin on the reference grid.
	XOffset, YOffset int

	NumComponents int
	Precision     []int
	Signed        []bool
	Subsampling   []image.Point

	// Profile is the Rsiz capabilities field.
	Profile uint16

	TileWidth, TileHeight int
	NumTilesX, NumTilesY  int

	// NumResolutions is the resolution count of the default coding
	// style. MinResolutions is the smallest count found in any main or
	// tile-part header that was parsed, and bounds ReduceResolution.
	NumResolutions int
	MinResolutions int

	NumLayers int
	Order     ProgressionOrder
	Wavelet   Wavelet
	MCT       bool

	Comments []string
}

// ReadInfo parses the main header of data. No tile is decoded.
func ReadInfo(data []byte) (*Info, error) {
	cs, err := codestream.NewParser(data, nil).ReadHeader()
	if err != nil {
		return nil, err
	}
	return newInfo(cs), nil
}

func newInfo(cs *codestream.Codestream) *Info {
	f := &cs.Frame
	info := &Info{
		Width:          int(f.Width - f.XOffset),
		Height:         int(f.Height - f.YOffset),
		XOffset:        int(f.XOffset),
		YOffset:        int(f.YOffset),
		NumComponents:  len(f.Components),
		Precision:      make([]int, len(f.Components)),
		Signed:         make([]bool, len(f.Components)),
		Subsampling:    make([]image.Point, len(f.Components)),
		Profile:        f.Profile,
		TileWidth:      int(f.TileWidth),
		TileHeight:     int(f.TileHeight),
		NumTilesX:      f.NumTilesX,
		NumTilesY:      f.NumTilesY,
		NumResolutions: cs.COD.Component.NumResolutions(),
		MinResolutions: cs.MinDecompositions() + 1,
		NumLayers:      int(cs.COD.NumLayers),
		Order:          ProgressionOrder(cs.COD.ProgressionOrder),
		MCT:            cs.COD.MultipleComponentXf == 1,
		Comments:       cs.Comments,
	}
	if cs.COD.Component.IsReversible() {
		info.Wavelet = Reversible53
	}
	for i, c := range f.Components {
		info.Precision[i] = c.Precision()
		info.Signed[i] = c.IsSigned()
		info.Subsampling[i] = image.Pt(int(c.SubsamplingX), int(c.SubsamplingY))
	}
	return info
}

// DecodeRaster decodes the codestream in data.
//
// Under the Strict policy a decode whose code-blocks hit corrupt data
// returns both the raster and the joined corruption errors.
func DecodeRaster(ctx context.Context, data []byte, cfg *Config) (*Raster, error) {
	d, err := newDecoder(data, cfg)
	if err != nil {
		return nil, err
	}
	return d.decode(ctx)
}

// Decode reads a JPEG 2000 codestream from r and returns it as an
// image.Image.
func Decode(r io.Reader) (image.Image, error) {
	return DecodeImage(r, nil)
}

// DecodeImage decodes a codestream from r with the specified
// configuration.
func DecodeImage(r io.Reader, cfg *Config) (image.Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("jpx: reading codestream: %w", err)
	}
	raster, err := DecodeRaster(context.Background(), data, cfg)
	if raster == nil {
		return nil, err
	}
	img, ierr := raster.Image()
	if ierr != nil {
		return nil, ierr
	}
	return img, err
}

// DecodeConfig returns the color model and dimensions of a codestream
// without decoding it.
func DecodeConfig(r io.Reader) (image.Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return image.Config{}, fmt.Errorf("jpx: reading codestream: %w", err)
	}
	info, err := ReadInfo(data)
	if err != nil {
		return image.Config{}, err
	}
	return image.Config{
		ColorModel: colorModel(info.NumComponents, maxPrecision(info.Precision)),
		Width:      info.Width,
		Height:     info.Height,
	}, nil
}

func colorModel(components, precision int) color.Model {
	wide := precision > 8
	switch {
	case components == 1 && wide:
		return color.Gray16Model
	case components == 1:
		return color.GrayModel
	case components == 3 && wide:
		return color.RGBA64Model
	case components == 3:
		return color.RGBAModel
	case wide:
		return color.NRGBA64Model
	default:
		return color.NRGBAModel
	}
}

func maxPrecision(p []int) int {
	m := 0
	for _, v := range p {
		m = max(m, v)
	}
	return m
}

// init registers the J2K codestream format with the image package.
func init() {
	image.RegisterFormat("j2k", "\xff\x4f\xff\x51", Decode, DecodeConfig)
}
