package classifier

import (
	"image"
	"image/color"

	"github.com/nfnt/resize"
)

// Layout is the memory order of a Tensor.
type Layout string

const (
	LayoutNHWC Layout = "nhwc"
	LayoutNCHW Layout = "nchw"
)

const channels = 3

// Tensor is a single RGB image, Size x Size, scaled to [0,1].
type Tensor struct {
	Size   int
	Layout Layout
	Data   []float32
}

// Shape returns the batch-of-one tensor shape for the layout.
func (t *Tensor) Shape() []int64 {
	s := int64(t.Size)
	if t.Layout == LayoutNCHW {
		return []int64{1, channels, s, s}
	}
	return []int64{1, s, s, channels}
}

func (t *Tensor) index(x, y, c int) int {
	if t.Layout == LayoutNCHW {
		return c*t.Size*t.Size + y*t.Size + x
	}
	return (y*t.Size+x)*channels + c
}

// Preprocess converts img to RGB, resizes it to size x size and scales it to [0,1].
func Preprocess(img image.Image, size int, layout Layout) *Tensor {
	resized := resize.Resize(uint(size), uint(size), img, resize.Bicubic)
	bounds := resized.Bounds()

	t := &Tensor{
		Size:   size,
		Layout: layout,
		Data:   make([]float32, channels*size*size),
	}
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			px := color.NRGBAModel.Convert(resized.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
			t.Data[t.index(x, y, 0)] = float32(px.R) / 255
			t.Data[t.index(x, y, 1)] = float32(px.G) / 255
			t.Data[t.index(x, y, 2)] = float32(px.B) / 255
		}
	}
	return t
}
