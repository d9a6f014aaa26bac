// Package render draws per-intersection model outputs as board images.
//
// The board is described as an SVG document, rasterized with oksvg at a
// multiple of the requested size and scaled down for anti-aliasing.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"strings"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// BoardSize is the number of lines on each side of the board.
const BoardSize = 19

// Style selects how values are mapped to disks.
type Style int

const (
	// Ownership maps tanh(v) to a black disk for positive values and a white
	// disk for negative ones, sized by magnitude.
	Ownership Style = iota
	// Policy softmaxes the values and sizes red disks by probability
	// relative to the best move.
	Policy
)

// ParseStyle maps "ownership" or "policy" to a Style.
func ParseStyle(s string) (Style, error) {
	switch s {
	case "ownership":
		return Ownership, nil
	case "policy":
		return Policy, nil
	}
	return 0, fmt.Errorf("unknown render style %q", s)
}

func (s Style) String() string {
	if s == Policy {
		return "policy"
	}
	return "ownership"
}

// MaxSize bounds Options.Size. The board is rasterized at three times the
// requested size before scaling down.
const MaxSize = 4096

// Options configures Heatmap.
type Options struct {
	Style   Style
	Size    int    // output width and height in pixels
	Caption string // drawn in the top margin when set
}

const (
	renderScale = 3.0 // rasterize at 3x for sharp downscaling
	units       = BoardSize + 1
	maxRadius   = 0.46
	minRadius   = 0.005 // smaller disks are not drawn
	boardColor  = "#dcb35c"
)

// Heatmap renders one value per intersection, row-major from the top-left
// corner.
func Heatmap(values []float32, opts Options) (*image.RGBA, error) {
	if opts.Size < units {
		return nil, fmt.Errorf("render size %d is too small", opts.Size)
	}
	if opts.Size > MaxSize {
		return nil, fmt.Errorf("render size %d exceeds %d", opts.Size, MaxSize)
	}
	doc, err := BoardSVG(values, opts.Style)
	if err != nil {
		return nil, err
	}

	icon, err := oksvg.ReadIconStream(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("failed to parse board svg: %w", err)
	}
	renderSize := int(float64(opts.Size) * renderScale)
	icon.SetTarget(0, 0, float64(renderSize), float64(renderSize))

	big := image.NewRGBA(image.Rect(0, 0, renderSize, renderSize))
	scanner := rasterx.NewScannerGV(renderSize, renderSize, big, big.Bounds())
	raster := rasterx.NewDasher(renderSize, renderSize, scanner)
	icon.Draw(raster, 1.0)

	img := image.NewRGBA(image.Rect(0, 0, opts.Size, opts.Size))
	draw.CatmullRom.Scale(img, img.Bounds(), big, big.Bounds(), draw.Src, nil)

	if opts.Caption != "" {
		if err := drawCaption(img, opts.Caption); err != nil {
			return nil, err
		}
	}
	return img, nil
}

// BoardSVG returns the SVG document Heatmap rasterizes. The view box is
// 20x20 units with intersections at integer coordinates 1..19.
func BoardSVG(values []float32, style Style) ([]byte, error) {
	if len(values) != BoardSize*BoardSize {
		return nil, fmt.Errorf("got %d values, want %d", len(values), BoardSize*BoardSize)
	}
	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 %d %d" width="%d" height="%d">`, units, units, units, units)
	fmt.Fprintf(&b, `<rect x="0" y="0" width="%d" height="%d" fill="%s"/>`, units, units, boardColor)
	for i := 1; i <= BoardSize; i++ {
		fmt.Fprintf(&b, `<line x1="1" y1="%d" x2="%d" y2="%d" stroke="#000000" stroke-width="0.04"/>`, i, BoardSize, i)
		fmt.Fprintf(&b, `<line x1="%d" y1="1" x2="%d" y2="%d" stroke="#000000" stroke-width="0.04"/>`, i, i, BoardSize)
	}

	for i, d := range disks(values, style) {
		if d.radius < minRadius {
			continue
		}
		x, y := i%BoardSize+1, i/BoardSize+1
		fmt.Fprintf(&b, `<circle cx="%d" cy="%d" r="%.3f" fill="%s"/>`, x, y, d.radius, d.fill)
	}
	b.WriteString(`</svg>`)
	return []byte(b.String()), nil
}

type disk struct {
	radius float64
	fill   string
}

func disks(values []float32, style Style) []disk {
	out := make([]disk, len(values))
	switch style {
	case Policy:
		best := math.Inf(-1)
		for _, v := range values {
			best = math.Max(best, float64(v))
		}
		for i, v := range values {
			// probability relative to the most likely move
			rel := math.Exp(float64(v) - best)
			out[i] = disk{radius: maxRadius * math.Sqrt(rel), fill: policyColor(rel)}
		}
	default:
		for i, v := range values {
			o := math.Tanh(float64(v))
			fill := "#000000"
			if o < 0 {
				fill = "#ffffff"
			}
			out[i] = disk{radius: maxRadius * math.Abs(o), fill: fill}
		}
	}
	return out
}

// policyColor blends from pale orange to red as rel goes from 0 to 1.
func policyColor(rel float64) string {
	lerp := func(a, b float64) uint8 { return uint8(math.Round(a + (b-a)*rel)) }
	return fmt.Sprintf("#%02x%02x%02x", lerp(0xf5, 0xd0), lerp(0xc0, 0x20), lerp(0x90, 0x20))
}

func drawCaption(img *image.RGBA, caption string) error {
	f, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return fmt.Errorf("failed to load font: %w", err)
	}
	unit := float64(img.Bounds().Dx()) / units
	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    unit * 0.5,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return fmt.Errorf("failed to create font face: %w", err)
	}
	defer face.Close()

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Black),
		Face: face,
		Dot:  fixed.P(int(unit*0.3), int(unit*0.6)),
	}
	d.DrawString(caption)
	return nil
}

// SavePNG writes img to path.
func SavePNG(path string, img image.Image) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return png.Encode(f, img)
}
