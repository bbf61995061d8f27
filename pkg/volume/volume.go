// Package volume defines the raw counts data model shared by the reduction
// packages. A Raw holds one scan's detector counts as a flat row-major buffer
// together with its logical shape; it is owned by exactly one Scan at a time
// and is mutated destructively by thresholding operations.
package volume

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch is returned when motor axis lengths disagree with the
// trailing dimensions of a raw volume. It signals a caller contract breach
// and is never silently coerced.
var ErrShapeMismatch = errors.New("motor axes do not match volume shape")

// MotorAxis is the ordered coordinate axis of one scan motor dimension.
// Values are sorted ascending and deduplicated to a declared decimal
// precision by the reader that produced them. Read-only to the core.
type MotorAxis []float32

// Raw is a 4D or 5D block of unsigned 16-bit detector counts with logical
// shape (rows, cols, m1, m2[, m3]). The buffer is stored row-major, so the
// counts of a single detector pixel over the whole motor grid form one
// contiguous run. Raw volumes can be multiple gigabytes; they are never
// copied implicitly.
type Raw struct {
	// Counts is the flat count buffer in row-major (rows, cols, m1, m2[, m3])
	// order. Its length is always the product of Shape.
	Counts []uint16

	// Shape holds the logical extents: detector rows, detector columns, then
	// one entry per motor dimension (two or three).
	Shape []int
}

// New wraps a count buffer and its logical shape into a Raw, validating that
// the rank is 4 or 5 and that the buffer length matches the shape product.
func New(counts []uint16, shape []int) (*Raw, error) {
	if len(shape) != 4 && len(shape) != 5 {
		return nil, fmt.Errorf("volume rank must be 4 or 5, got %d", len(shape))
	}
	n := 1
	for _, s := range shape {
		if s <= 0 {
			return nil, fmt.Errorf("volume shape %v has non-positive extent", shape)
		}
		n *= s
	}
	if n != len(counts) {
		return nil, fmt.Errorf("count buffer has %d elements, shape %v needs %d", len(counts), shape, n)
	}
	return &Raw{Counts: counts, Shape: append([]int(nil), shape...)}, nil
}

// Rows returns the detector row extent.
func (r *Raw) Rows() int { return r.Shape[0] }

// Cols returns the detector column extent.
func (r *Raw) Cols() int { return r.Shape[1] }

// MotorDims returns the motor-grid extents (two or three of them).
func (r *Raw) MotorDims() []int { return r.Shape[2:] }

// GridSize returns the number of motor-grid points per detector pixel.
func (r *Raw) GridSize() int {
	n := 1
	for _, m := range r.Shape[2:] {
		n *= m
	}
	return n
}

// Pixel returns the counts of detector pixel (row, col) over the full motor
// grid. The returned slice aliases the underlying buffer; it is a view, not
// a copy.
func (r *Raw) Pixel(row, col int) []uint16 {
	grid := r.GridSize()
	start := (row*r.Cols() + col) * grid
	return r.Counts[start : start+grid]
}

// Subtract removes a fixed background value from every count in place.
// Values below the background are first clamped up to it, then the value is
// subtracted uniformly. The clamp must happen first: subtracting directly on
// a uint16 buffer would wrap around for counts below the background.
func (r *Raw) Subtract(value uint16) {
	for i, c := range r.Counts {
		if c < value {
			c = value
		}
		r.Counts[i] = c - value
	}
}

// Integrate sums counts over all motor dimensions per detector pixel into a
// freshly allocated (rows*cols) float32 buffer. The accumulation writes
// straight into the output to avoid promoting the full count block to float.
func (r *Raw) Integrate() []float32 {
	rows, cols, grid := r.Rows(), r.Cols(), r.GridSize()
	out := make([]float32, rows*cols)
	for p := range out {
		block := r.Counts[p*grid : (p+1)*grid]
		var sum float32
		for _, c := range block {
			sum += float32(c)
		}
		out[p] = sum
	}
	return out
}

// ValidateAxes checks that one axis was supplied per motor dimension and
// that each axis length equals the corresponding trailing extent of the
// volume. Violations are a caller contract breach and surface immediately.
func ValidateAxes(r *Raw, axes []MotorAxis) error {
	dims := r.MotorDims()
	if len(axes) != len(dims) {
		return fmt.Errorf("%w: %d axes for %d motor dimensions", ErrShapeMismatch, len(axes), len(dims))
	}
	for k, axis := range axes {
		if len(axis) != dims[k] {
			return fmt.Errorf("%w: axis %d has %d values, dimension extent is %d", ErrShapeMismatch, k, len(axis), dims[k])
		}
	}
	return nil
}
