// Package morphology provides the binary image operations behind sample-mask
// estimation: thresholding an integrated intensity map, eroding and dilating
// with a 2x2 structuring element, and filling enclosed background holes.
package morphology

// Mask is a binary detector-space image of shape (rows, cols), true where
// the sample is deemed to diffract.
type Mask struct {
	Bits []bool
	Rows, Cols int
}

// At reports whether pixel (row, col) is foreground.
func (m *Mask) At(row, col int) bool {
	return m.Bits[row*m.Cols+col]
}

// Count returns the number of foreground pixels.
func (m *Mask) Count() int {
	n := 0
	for _, b := range m.Bits {
		if b {
			n++
		}
	}
	return n
}

// Clone returns an independent copy of the mask.
func (m *Mask) Clone() *Mask {
	return &Mask{Bits: append([]bool(nil), m.Bits...), Rows: m.Rows, Cols: m.Cols}
}

// Binarize thresholds an integrated intensity map: a pixel is foreground iff
// its value is strictly greater than threshold.
func Binarize(integrated []float32, rows, cols int, threshold float32) *Mask {
	mask := &Mask{Bits: make([]bool, rows*cols), Rows: rows, Cols: cols}
	for i, v := range integrated {
		mask.Bits[i] = v > threshold
	}
	return mask
}

// The 2x2 structuring element is anchored so erosion inspects the block up
// and left of each pixel and dilation spreads into the block down and right,
// keeping dilate(erode(x)) centered.
var (
	erodeOffsets  = [4][2]int{{-1, -1}, {-1, 0}, {0, -1}, {0, 0}}
	dilateOffsets = [4][2]int{{0, 0}, {0, 1}, {1, 0}, {1, 1}}
)

// Erode shrinks the foreground with a 2x2 structuring element for the given
// number of iterations. A pixel survives only if the whole element is
// foreground; pixels outside the image count as background, so the border
// erodes. Zero iterations return the mask unchanged.
func Erode(mask *Mask, iterations int) *Mask {
	out := mask
	for i := 0; i < iterations; i++ {
		out = applyErosion(out)
	}
	return out
}

func applyErosion(mask *Mask) *Mask {
	out := &Mask{Bits: make([]bool, len(mask.Bits)), Rows: mask.Rows, Cols: mask.Cols}
	for row := 0; row < mask.Rows; row++ {
		for col := 0; col < mask.Cols; col++ {
			keep := true
			for _, off := range erodeOffsets {
				r, c := row+off[0], col+off[1]
				if r < 0 || r >= mask.Rows || c < 0 || c >= mask.Cols || !mask.At(r, c) {
					keep = false
					break
				}
			}
			out.Bits[row*mask.Cols+col] = keep
		}
	}
	return out
}

// Dilate grows the foreground with the mirrored 2x2 structuring element for
// the given number of iterations. A pixel turns foreground if any element
// pixel is foreground. Zero iterations return the mask unchanged.
func Dilate(mask *Mask, iterations int) *Mask {
	out := mask
	for i := 0; i < iterations; i++ {
		out = applyDilation(out)
	}
	return out
}

func applyDilation(mask *Mask) *Mask {
	out := &Mask{Bits: make([]bool, len(mask.Bits)), Rows: mask.Rows, Cols: mask.Cols}
	for row := 0; row < mask.Rows; row++ {
		for col := 0; col < mask.Cols; col++ {
			hit := false
			for _, off := range dilateOffsets {
				r, c := row+off[0], col+off[1]
				if r >= 0 && r < mask.Rows && c >= 0 && c < mask.Cols && mask.At(r, c) {
					hit = true
					break
				}
			}
			out.Bits[row*mask.Cols+col] = hit
		}
	}
	return out
}

// FillHoles turns every background region that is fully enclosed by
// foreground into foreground. Background connected (4-neighborhood) to the
// image border is left untouched.
func FillHoles(mask *Mask) *Mask {
	rows, cols := mask.Rows, mask.Cols
	outside := make([]bool, rows*cols)

	// Flood the outside background from every border pixel.
	queue := make([][2]int, 0, 2*(rows+cols))
	push := func(r, c int) {
		i := r*cols + c
		if !outside[i] && !mask.Bits[i] {
			outside[i] = true
			queue = append(queue, [2]int{r, c})
		}
	}
	for c := 0; c < cols; c++ {
		push(0, c)
		push(rows-1, c)
	}
	for r := 0; r < rows; r++ {
		push(r, 0)
		push(r, cols-1)
	}
	for len(queue) > 0 {
		p := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		r, c := p[0], p[1]
		if r > 0 {
			push(r-1, c)
		}
		if r < rows-1 {
			push(r+1, c)
		}
		if c > 0 {
			push(r, c-1)
		}
		if c < cols-1 {
			push(r, c+1)
		}
	}

	out := &Mask{Bits: make([]bool, rows*cols), Rows: rows, Cols: cols}
	for i := range out.Bits {
		out.Bits[i] = mask.Bits[i] || !outside[i]
	}
	return out
}
