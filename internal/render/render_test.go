package render

import (
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func values(fill float32) []float32 {
	v := make([]float32, BoardSize*BoardSize)
	for i := range v {
		v[i] = fill
	}
	return v
}

func TestBoardSVG(t *testing.T) {
	doc, err := BoardSVG(values(2), Ownership)
	if err != nil {
		t.Fatalf("BoardSVG failed: %v", err)
	}
	if n := strings.Count(string(doc), "<circle"); n != BoardSize*BoardSize {
		t.Errorf("%d disks, want %d", n, BoardSize*BoardSize)
	}
	if n := strings.Count(string(doc), "<line"); n != 2*BoardSize {
		t.Errorf("%d lines, want %d", n, 2*BoardSize)
	}

	doc, err = BoardSVG(values(0), Ownership)
	if err != nil {
		t.Fatalf("BoardSVG failed: %v", err)
	}
	if strings.Contains(string(doc), "<circle") {
		t.Error("zero ownership should draw no disks")
	}

	if _, err := BoardSVG(make([]float32, 10), Policy); err == nil {
		t.Error("expected error for wrong value count")
	}
}

func TestPolicyDisks(t *testing.T) {
	v := values(-50)
	v[60] = 3
	v[61] = 3 - 0.6931472 // half as likely
	d := disks(v, Policy)
	if d[60].radius != maxRadius {
		t.Errorf("best move radius = %f, want %f", d[60].radius, maxRadius)
	}
	if r := d[61].radius / d[60].radius; r < 0.70 || r > 0.72 {
		t.Errorf("radius ratio = %f, want sqrt(0.5)", r)
	}
	if d[0].radius > 1e-10 {
		t.Errorf("unlikely move radius = %g", d[0].radius)
	}
	if d[60].fill != "#d02020" {
		t.Errorf("best move fill = %s", d[60].fill)
	}
}

func TestHeatmapPixels(t *testing.T) {
	const size = 400 // 20 px per unit
	v := values(0)
	v[8*BoardSize+8] = 10  // (9,9) owned, black
	v[2*BoardSize+2] = -10 // (3,3) owned by the other side, white

	img, err := Heatmap(v, Options{Style: Ownership, Size: size})
	if err != nil {
		t.Fatalf("Heatmap failed: %v", err)
	}
	if b := img.Bounds(); b.Dx() != size || b.Dy() != size {
		t.Fatalf("bounds = %v", b)
	}

	at := func(x, y float64) (r, g, b uint8) {
		c := img.RGBAAt(int(x*20), int(y*20))
		return c.R, c.G, c.B
	}
	if r, _, _ := at(9, 9); r > 60 {
		t.Errorf("black disk pixel R = %d", r)
	}
	if r, g, b := at(3, 3); r < 220 || g < 220 || b < 220 {
		t.Errorf("white disk pixel = %d,%d,%d", r, g, b)
	}
	if r, _, b := at(5.5, 5.5); r < 200 || b > 130 {
		t.Errorf("empty board pixel R,B = %d,%d", r, b)
	}
}

func TestHeatmapCaptionAndSave(t *testing.T) {
	img, err := Heatmap(values(0.5), Options{Style: Policy, Size: 200, Caption: "b6c96 policy"})
	if err != nil {
		t.Fatalf("Heatmap failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "board.png")
	if err := SavePNG(path, img); err != nil {
		t.Fatalf("SavePNG failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	decoded, err := png.Decode(f)
	if err != nil {
		t.Fatalf("png.Decode failed: %v", err)
	}
	if decoded.Bounds().Dx() != 200 {
		t.Errorf("decoded width = %d", decoded.Bounds().Dx())
	}

	if _, err := Heatmap(values(0), Options{Size: 5}); err == nil {
		t.Error("expected error for tiny size")
	}
}

func TestParseStyle(t *testing.T) {
	for _, s := range []Style{Ownership, Policy} {
		got, err := ParseStyle(s.String())
		if err != nil || got != s {
			t.Errorf("ParseStyle(%q) = %v, %v", s.String(), got, err)
		}
	}
	if _, err := ParseStyle("score"); err == nil {
		t.Error("expected error for unknown style")
	}
}

func TestHeatmapSizeLimits(t *testing.T) {
	for _, size := range []int{0, units - 1, MaxSize + 1, 100000} {
		if _, err := Heatmap(values(0), Options{Size: size}); err == nil {
			t.Errorf("Heatmap size %d: expected error", size)
		}
	}
}
