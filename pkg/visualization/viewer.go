// Package visualization renders per-pixel mean orientation maps as mosaicity
// images: the first two motor dimensions are normalized against the motor
// limits and mapped to hue and saturation, so grains with different mean
// orientations show up in different colors. Pixels with undefined moments
// (zero photon weight) or outside the sample mask render transparent.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"darkfield/pkg/moments"
	"darkfield/pkg/morphology"
	"darkfield/pkg/pipeline"
	"darkfield/pkg/volume"
)

// Mosaicity renders one mean map as an RGBA image. The first motor dimension
// drives hue, the second saturation; both are clipped to the motor axis
// limits before normalization. A non-nil mask blanks everything outside the
// sample. Requires at least two motor dimensions.
func Mosaicity(mean *moments.MeanMap, motors []volume.MotorAxis, mask *morphology.Mask) (image.Image, error) {
	if mean == nil {
		return nil, fmt.Errorf("nil mean map")
	}
	if mean.Dims < 2 || len(motors) < 2 {
		return nil, fmt.Errorf("mosaicity needs at least 2 motor dimensions, have %d", mean.Dims)
	}
	if mask != nil && (mask.Rows != mean.Rows || mask.Cols != mean.Cols) {
		return nil, fmt.Errorf("mask shape (%d,%d) does not match mean map (%d,%d)", mask.Rows, mask.Cols, mean.Rows, mean.Cols)
	}

	lo1, hi1 := axisLimits(motors[0])
	lo2, hi2 := axisLimits(motors[1])

	img := image.NewNRGBA(image.Rect(0, 0, mean.Cols, mean.Rows))
	for r := 0; r < mean.Rows; r++ {
		for c := 0; c < mean.Cols; c++ {
			if mask != nil && !mask.At(r, c) {
				continue
			}
			hue := normalize(mean.At(r, c, 0), lo1, hi1)
			sat := normalize(mean.At(r, c, 1), lo2, hi2)
			if math.IsNaN(hue) || math.IsNaN(sat) {
				continue
			}
			red, green, blue := hsvToRGB(hue, sat, 1)
			img.SetNRGBA(c, r, color.NRGBA{R: red, G: green, B: blue, A: 255})
		}
	}
	return img, nil
}

// LayerMosaicity renders one layer of a compiled mean volume.
func LayerMosaicity(vol *pipeline.MeanVolume, layer int, motors []volume.MotorAxis, mask *morphology.Mask) (image.Image, error) {
	if vol == nil {
		return nil, fmt.Errorf("nil mean volume")
	}
	if layer < 0 || layer >= vol.Layers {
		return nil, fmt.Errorf("layer %d outside volume with %d layers", layer, vol.Layers)
	}

	stride := vol.Rows * vol.Cols * vol.Dims
	mean := &moments.MeanMap{
		Data: vol.Data[layer*stride : (layer+1)*stride],
		Rows: vol.Rows, Cols: vol.Cols, Dims: vol.Dims,
	}
	return Mosaicity(mean, motors, mask)
}

// SaveImage writes an image as PNG. PNG keeps the alpha channel that marks
// masked and zero-weight pixels.
func SaveImage(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := png.Encode(file, img); err != nil {
		return err
	}
	return file.Close()
}

// SaveLayerSequence renders every layer of a compiled mean volume into
// outputDir as mosaicity_NNN.png.
func SaveLayerSequence(vol *pipeline.MeanVolume, motors []volume.MotorAxis, mask *morphology.Mask, outputDir string) error {
	if vol == nil {
		return fmt.Errorf("nil mean volume")
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for layer := 0; layer < vol.Layers; layer++ {
		img, err := LayerMosaicity(vol, layer, motors, mask)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("mosaicity_%03d.png", layer))
		if err := SaveImage(img, filename); err != nil {
			return err
		}
	}
	return nil
}

func axisLimits(axis volume.MotorAxis) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range axis {
		if float64(v) < lo {
			lo = float64(v)
		}
		if float64(v) > hi {
			hi = float64(v)
		}
	}
	return lo, hi
}

// normalize clips v into [lo, hi] and rescales to [0, 1]. A degenerate axis
// (single motor position) maps to 0.
func normalize(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return v
	}
	if hi <= lo {
		return 0
	}
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return (v - lo) / (hi - lo)
}

// hsvToRGB converts hue, saturation, value in [0, 1] to 8-bit RGB.
func hsvToRGB(h, s, v float64) (uint8, uint8, uint8) {
	i := math.Floor(h * 6)
	f := h*6 - i
	p := v * (1 - s)
	q := v * (1 - f*s)
	t := v * (1 - (1-f)*s)

	var r, g, b float64
	switch int(i) % 6 {
	case 0:
		r, g, b = v, t, p
	case 1:
		r, g, b = q, v, p
	case 2:
		r, g, b = p, v, t
	case 3:
		r, g, b = p, q, v
	case 4:
		r, g, b = t, p, v
	case 5:
		r, g, b = v, p, q
	}
	return uint8(r*255 + 0.5), uint8(g*255 + 0.5), uint8(b*255 + 0.5)
}
