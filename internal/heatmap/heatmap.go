// Package heatmap renders a saliency map as a JET-colored overlay on the source image.
package heatmap

import (
	"encoding/base64"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/example/stone-check/internal/classifier"
)

const (
	// OriginalWeight and HeatmapWeight are the blend ratios of the overlay.
	OriginalWeight = 0.6
	HeatmapWeight  = 0.4

	dataURIPrefix = "data:image/png;base64,"
)

// Overlay resizes sal to the bounds of original, applies the JET color map,
// blends it over original and returns the PNG encoding. The PNG always has the
// dimensions of original.
func Overlay(original image.Image, sal *classifier.Saliency) ([]byte, error) {
	bounds := original.Bounds()

	src, err := gocv.ImageToMatRGB(original)
	if err != nil {
		return nil, fmt.Errorf("convert original: %w", err)
	}
	defer src.Close()

	levels, err := gocv.NewMatFromBytes(sal.Height, sal.Width, gocv.MatTypeCV8U, sal.Gray().Pix)
	if err != nil {
		return nil, fmt.Errorf("convert saliency: %w", err)
	}
	defer levels.Close()

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(levels, &resized, image.Point{X: bounds.Dx(), Y: bounds.Dy()}, 0, 0, gocv.InterpolationLinear)

	colored := gocv.NewMat()
	defer colored.Close()
	gocv.ApplyColorMap(resized, &colored, gocv.ColormapJet)

	blended := gocv.NewMat()
	defer blended.Close()
	gocv.AddWeighted(src, OriginalWeight, colored, HeatmapWeight, 0, &blended)

	buf, err := gocv.IMEncode(gocv.PNGFileExt, blended)
	if err != nil {
		return nil, fmt.Errorf("encode overlay: %w", err)
	}
	defer buf.Close()

	return buf.GetBytes(), nil
}

// EncodeDataURI wraps PNG bytes in a data URI.
func EncodeDataURI(pngBytes []byte) string {
	return dataURIPrefix + base64.StdEncoding.EncodeToString(pngBytes)
}
