package classifier

import (
	"context"
	"image"
	"math"
)

// Saliency is a row-major attribution map with values in [0,1].
type Saliency struct {
	Width  int
	Height int
	Values []float64
}

// Gray quantizes the map to 8 bits.
func (s *Saliency) Gray() *image.Gray {
	g := image.NewGray(image.Rect(0, 0, s.Width, s.Height))
	for i, v := range s.Values {
		g.Pix[i] = uint8(255 * clamp01(v))
	}
	return g
}

// RandomSaliency fills a size x size map with independent draws from random.
// It stands in for an attribution when no model is loaded.
func RandomSaliency(size int, random func() float64) *Saliency {
	s := &Saliency{Width: size, Height: size, Values: make([]float64, size*size)}
	for i := range s.Values {
		s.Values[i] = random()
	}
	return s
}

// OcclusionSaliency blanks each cell of a grid x grid partition of t in turn
// and records how far the score moves. The map is normalized by its maximum.
func OcclusionSaliency(ctx context.Context, m Model, t *Tensor, grid int) (*Saliency, error) {
	base, err := m.Score(ctx, t)
	if err != nil {
		return nil, err
	}

	scratch := &Tensor{Size: t.Size, Layout: t.Layout, Data: make([]float32, len(t.Data))}
	copy(scratch.Data, t.Data)

	sal := &Saliency{Width: t.Size, Height: t.Size, Values: make([]float64, t.Size*t.Size)}
	peak := 0.0
	for gy := 0; gy < grid; gy++ {
		y0, y1 := gy*t.Size/grid, (gy+1)*t.Size/grid
		for gx := 0; gx < grid; gx++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			x0, x1 := gx*t.Size/grid, (gx+1)*t.Size/grid

			fillCell(scratch, nil, x0, x1, y0, y1)
			score, err := m.Score(ctx, scratch)
			if err != nil {
				return nil, err
			}
			fillCell(scratch, t, x0, x1, y0, y1)

			delta := math.Abs(base - score)
			peak = math.Max(peak, delta)
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					sal.Values[y*t.Size+x] = delta
				}
			}
		}
	}

	if peak > 0 {
		for i := range sal.Values {
			sal.Values[i] /= peak
		}
	}
	return sal, nil
}

// fillCell zeroes the cell in dst, or restores it from src when src is non-nil.
func fillCell(dst, src *Tensor, x0, x1, y0, y1 int) {
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			for c := 0; c < channels; c++ {
				i := dst.index(x, y, c)
				if src == nil {
					dst.Data[i] = 0
				} else {
					dst.Data[i] = src.Data[i]
				}
			}
		}
	}
}
