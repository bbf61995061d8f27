// Package moments computes weighted first and second statistical moments of
// detector counts over a scan's motor-coordinate grid. Each detector pixel's
// counts are treated as a non-negative weight function on the Cartesian grid
// spanned by the motor axes; the engine reduces them to a per-pixel mean
// vector and covariance matrix.
//
// Accumulation is done in float64 even though counts are uint16 and motor
// coordinates are float32: the covariance pass subtracts nearly equal large
// numbers and loses precision catastrophically at lower widths.
package moments

import (
	"runtime"
	"sync"

	"darkfield/pkg/volume"
)

// MeanMap holds the weighted mean motor coordinate per detector pixel with
// logical shape (rows, cols, dims). Pixels with zero total weight hold NaN;
// consumers treat NaN as "no signal".
type MeanMap struct {
	Data []float64
	Rows, Cols, Dims int
}

// At returns the mean of motor dimension k at detector pixel (row, col).
func (m *MeanMap) At(row, col, k int) float64 {
	return m.Data[(row*m.Cols+col)*m.Dims+k]
}

// CovarianceMap holds the weighted motor-coordinate covariance per detector
// pixel with logical shape (rows, cols, dims, dims). The trailing two axes
// are symmetric by construction; near zero-weight pixels the matrices may
// show small negative eigenvalues, which callers must tolerate.
type CovarianceMap struct {
	Data []float64
	Rows, Cols, Dims int
}

// At returns covariance entry (k, l) at detector pixel (row, col).
func (c *CovarianceMap) At(row, col, k, l int) float64 {
	return c.Data[((row*c.Cols+col)*c.Dims+k)*c.Dims+l]
}

// Compute reduces a raw volume to its per-pixel mean and covariance maps
// over the given motor axes. Output arrays are freshly allocated and share
// no memory with the input. Pixels whose counts sum to zero produce NaN
// entries rather than an error.
//
// The computation is independent per pixel; rows are spread over a bounded
// number of worker goroutines.
func Compute(raw *volume.Raw, axes []volume.MotorAxis) (*MeanMap, *CovarianceMap, error) {
	return compute(raw, axes, runtime.NumCPU())
}

func compute(raw *volume.Raw, axes []volume.MotorAxis, workers int) (*MeanMap, *CovarianceMap, error) {
	if err := volume.ValidateAxes(raw, axes); err != nil {
		return nil, nil, err
	}

	rows, cols := raw.Rows(), raw.Cols()
	dims := len(axes)

	// Promote axis coordinates once; the per-pixel loops then run entirely
	// in float64.
	coords := make([][]float64, dims)
	for k, axis := range axes {
		coords[k] = make([]float64, len(axis))
		for i, v := range axis {
			coords[k][i] = float64(v)
		}
	}

	// Grid strides for decomposing a flat grid index into per-axis indices.
	strides := make([]int, dims)
	stride := 1
	for k := dims - 1; k >= 0; k-- {
		strides[k] = stride
		stride *= len(axes[k])
	}

	mean := &MeanMap{
		Data: make([]float64, rows*cols*dims),
		Rows: rows, Cols: cols, Dims: dims,
	}
	cov := &CovarianceMap{
		Data: make([]float64, rows*cols*dims*dims),
		Rows: rows, Cols: cols, Dims: dims,
	}

	if workers < 1 {
		workers = 1
	}
	if workers > rows {
		workers = rows
	}

	rowsPerWorker := (rows + workers - 1) / workers
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		startRow := w * rowsPerWorker
		endRow := startRow + rowsPerWorker
		if endRow > rows {
			endRow = rows
		}
		if startRow >= rows {
			break
		}

		wg.Add(1)
		go func(startRow, endRow int) {
			defer wg.Done()
			mu := make([]float64, dims)
			for row := startRow; row < endRow; row++ {
				for col := 0; col < cols; col++ {
					pixelMoments(raw.Pixel(row, col), coords, strides, mu,
						mean.Data[(row*cols+col)*dims:],
						cov.Data[(row*cols+col)*dims*dims:])
				}
			}
		}(startRow, endRow)
	}
	wg.Wait()

	return mean, cov, nil
}

// pixelMoments computes the weighted mean and covariance of one pixel's
// count distribution. meanOut and covOut are the destination slices for this
// pixel; mu is scratch space reused across pixels. A zero total weight flows
// through as 0/0 = NaN, the documented no-signal value.
func pixelMoments(block []uint16, coords [][]float64, strides []int, mu, meanOut, covOut []float64) {
	dims := len(coords)

	// First pass: total weight and weighted coordinate sums.
	var w float64
	for k := range mu {
		mu[k] = 0
	}
	for g, c := range block {
		if c == 0 {
			continue
		}
		wt := float64(c)
		w += wt
		for k := 0; k < dims; k++ {
			mu[k] += wt * coords[k][(g/strides[k])%len(coords[k])]
		}
	}
	for k := 0; k < dims; k++ {
		mu[k] /= w
		meanOut[k] = mu[k]
	}

	// Second pass: weighted covariance around the mean. Only the upper
	// triangle is accumulated; the mirror below fills in symmetry.
	for k := 0; k < dims; k++ {
		for l := k; l < dims; l++ {
			covOut[k*dims+l] = 0
		}
	}
	for g, c := range block {
		if c == 0 {
			continue
		}
		wt := float64(c)
		for k := 0; k < dims; k++ {
			dk := coords[k][(g/strides[k])%len(coords[k])] - mu[k]
			for l := k; l < dims; l++ {
				dl := coords[l][(g/strides[l])%len(coords[l])] - mu[l]
				covOut[k*dims+l] += wt * dk * dl
			}
		}
	}
	for k := 0; k < dims; k++ {
		for l := k; l < dims; l++ {
			v := covOut[k*dims+l] / w
			covOut[k*dims+l] = v
			covOut[l*dims+k] = v
		}
	}
}
