// Package media renders the leaderboard artifact attached to a scored
// submission.
package media

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	width   = 320
	height  = 200
	margin  = 16
	header  = 20
	footer  = 18
	scaleBy = 2
)

var (
	background = color.RGBA{0xff, 0xff, 0xff, 0xff}
	barColor   = color.RGBA{0x3b, 0x6e, 0xa5, 0xff}
	axisColor  = color.RGBA{0x40, 0x40, 0x40, 0xff}
)

// Histogram is a labelled bar chart.
type Histogram struct {
	Title  string
	Labels []string
	Counts []int
}

// Residuals bins predicted-minus-actual differences into n equal-width
// buckets.
func Residuals(pred, actual []float64, n int) *Histogram {
	if n < 1 {
		n = 1
	}
	h := &Histogram{Title: "residuals", Labels: make([]string, n), Counts: make([]int, n)}
	if len(pred) == 0 {
		return h
	}
	res := make([]float64, len(pred))
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := range pred {
		res[i] = pred[i] - actual[i]
		lo = math.Min(lo, res[i])
		hi = math.Max(hi, res[i])
	}
	span := hi - lo
	for _, r := range res {
		b := 0
		if span > 0 {
			b = int((r - lo) / span * float64(n))
		}
		if b >= n {
			b = n - 1
		}
		h.Counts[b]++
	}
	for i := range h.Labels {
		h.Labels[i] = fmt.Sprintf("%.2g", lo+span*float64(i)/float64(n))
	}
	return h
}

// Matches renders exact-match results as two bars.
func Matches(hits, misses int) *Histogram {
	return &Histogram{
		Title:  "matches",
		Labels: []string{"correct", "wrong"},
		Counts: []int{hits, misses},
	}
}

func (h *Histogram) Image() image.Image {
	src := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(src, src.Bounds(), &image.Uniform{background}, image.Point{}, draw.Src)

	plot := image.Rect(margin, margin+header, width-margin, height-margin-footer)
	drawText(src, margin, margin+10, h.Title)
	fill(src, image.Rect(plot.Min.X, plot.Max.Y, plot.Max.X, plot.Max.Y+1), axisColor)

	peak := 0
	for _, c := range h.Counts {
		peak = max(peak, c)
	}
	if n := len(h.Counts); n > 0 && peak > 0 {
		slot := plot.Dx() / n
		for i, c := range h.Counts {
			x0 := plot.Min.X + i*slot + 1
			top := plot.Max.Y - c*plot.Dy()/peak
			fill(src, image.Rect(x0, top, x0+slot-2, plot.Max.Y), barColor)
		}
		drawText(src, plot.Min.X, plot.Max.Y+14, h.Labels[0])
		last := h.Labels[n-1]
		drawText(src, plot.Max.X-7*len(last), plot.Max.Y+14, last)
	}

	dst := image.NewRGBA(image.Rect(0, 0, width*scaleBy, height*scaleBy))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

func (h *Histogram) EncodePNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, h.Image()); err != nil {
		return nil, fmt.Errorf("encoding png: %w", err)
	}
	return buf.Bytes(), nil
}

// WritePNG writes the chart to dir/name and returns the full path.
func (h *Histogram) WritePNG(dir, name string) (string, error) {
	data, err := h.EncodePNG()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating media dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", name, err)
	}
	return path, nil
}

func fill(img draw.Image, r image.Rectangle, c color.Color) {
	draw.Draw(img, r, &image.Uniform{c}, image.Point{}, draw.Src)
}

func drawText(img draw.Image, x, y int, s string) {
	d := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{axisColor},
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}
