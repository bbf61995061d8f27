// Package pipeline compiles a sequence of scan layers into 3D moment
// volumes. Layers are loaded one at a time (or K at a time with a bounded
// worker pool), reduced to their per-pixel mean and covariance maps, and
// stacked in layer order. Only the compact moment maps are retained; each
// layer's raw counts are released before the next load, which is what keeps
// the peak memory at one raw volume per worker.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"darkfield/pkg/moments"
	"darkfield/pkg/scan"
)

// ThresholdMode selects how background subtraction is applied per layer.
type ThresholdMode int

const (
	// ThresholdNone skips background subtraction entirely. Absence is the
	// only skip sentinel: a fixed threshold of zero still runs the (no-op)
	// subtraction rather than being silently dropped.
	ThresholdNone ThresholdMode = iota

	// ThresholdFixed subtracts a caller-supplied value from every layer.
	ThresholdFixed

	// ThresholdAuto estimates the background per layer before subtracting.
	ThresholdAuto
)

// Threshold bundles the mode with the fixed value used by ThresholdFixed.
type Threshold struct {
	Mode  ThresholdMode
	Value uint16
}

// FixedThreshold returns a Threshold that subtracts v from every layer.
func FixedThreshold(v uint16) Threshold {
	return Threshold{Mode: ThresholdFixed, Value: v}
}

// AutoThreshold returns a Threshold that estimates the background per layer.
func AutoThreshold() Threshold {
	return Threshold{Mode: ThresholdAuto}
}

// Progress is invoked once per completed layer with the layer index, the
// total layer count, and the elapsed wall time for that layer. Observability
// only; it must not mutate pipeline state.
type Progress func(layer, total int, elapsed time.Duration)

// Options configures a compile run.
type Options struct {
	// Threshold selects background subtraction; the zero value means none.
	Threshold Threshold

	// ROI restricts the detector region passed to the reader. Nil loads
	// the full detector.
	ROI *scan.ROI

	// Workers bounds how many layers are processed concurrently, and with
	// it how many raw volumes may be resident at once. Zero or one means
	// strictly sequential.
	Workers int

	// Progress, when non-nil, is called after each completed layer.
	Progress Progress
}

// MeanVolume stacks per-layer mean maps into shape (layers, rows, cols,
// dims). Layer order is the input scan order and forms the spatial third
// axis.
type MeanVolume struct {
	Data []float64
	Layers, Rows, Cols, Dims int
}

// At returns the mean of motor dimension k at (layer, row, col).
func (v *MeanVolume) At(layer, row, col, k int) float64 {
	return v.Data[((layer*v.Rows+row)*v.Cols+col)*v.Dims+k]
}

// CovarianceVolume stacks per-layer covariance maps into shape (layers,
// rows, cols, dims, dims).
type CovarianceVolume struct {
	Data []float64
	Layers, Rows, Cols, Dims int
}

// At returns covariance entry (k, l) at (layer, row, col).
func (v *CovarianceVolume) At(layer, row, col, k, l int) float64 {
	return v.Data[(((layer*v.Rows+row)*v.Cols+col)*v.Dims+k)*v.Dims+l]
}

// layerResult is one layer's reduced maps, tagged with its sequence index so
// parallel completion order never leaks into the stacking order.
type layerResult struct {
	index int
	mean  *moments.MeanMap
	cov   *moments.CovarianceMap
}

// CompileLayers loads every scan id in order, applies the configured
// thresholding, computes moment maps, and stacks them into 3D volumes.
//
// Errors from the reader or the reduction abort the remaining sequence and
// are returned wrapped with the failing scan id; the layers reduced before
// the failure are still returned so the caller can inspect or salvage them.
// Cancellation via ctx is honored between layers, never mid-layer.
func CompileLayers(ctx context.Context, reader scan.Reader, scanIDs []string, opts Options) (*MeanVolume, *CovarianceVolume, error) {
	if len(scanIDs) == 0 {
		return nil, nil, fmt.Errorf("no scan ids given")
	}

	var (
		results []layerResult
		err     error
	)
	if opts.Workers > 1 {
		results, err = compileParallel(ctx, reader, scanIDs, opts)
	} else {
		results, err = compileSequential(ctx, reader, scanIDs, opts)
	}

	mean3d, cov3d := stack(results, len(scanIDs))
	return mean3d, cov3d, err
}

// compileSequential is the baseline path: one scan, one raw volume, one
// reduction at a time.
func compileSequential(ctx context.Context, reader scan.Reader, scanIDs []string, opts Options) ([]layerResult, error) {
	s := scan.New(reader)
	results := make([]layerResult, 0, len(scanIDs))

	for i, scanID := range scanIDs {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		start := time.Now()
		mean, cov, err := reduceLayer(s, scanID, opts)
		if err != nil {
			return results, fmt.Errorf("layer %d (%s): %w", i, scanID, err)
		}
		results = append(results, layerResult{index: i, mean: mean, cov: cov})

		if opts.Progress != nil {
			opts.Progress(i, len(scanIDs), time.Since(start))
		}
	}
	return results, nil
}

// compileParallel processes layers on a bounded worker pool. Each worker
// owns its own Scan, so at most opts.Workers raw volumes are resident.
// Results carry their layer index and are stacked by it afterwards.
func compileParallel(ctx context.Context, reader scan.Reader, scanIDs []string, opts Options) ([]layerResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan int)
	resultCh := make(chan layerResult, len(scanIDs))
	errCh := make(chan error, opts.Workers)

	var wg sync.WaitGroup
	for w := 0; w < opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := scan.New(reader)
			for i := range jobs {
				start := time.Now()
				mean, cov, err := reduceLayer(s, scanIDs[i], opts)
				if err != nil {
					errCh <- fmt.Errorf("layer %d (%s): %w", i, scanIDs[i], err)
					cancel()
					return
				}
				resultCh <- layerResult{index: i, mean: mean, cov: cov}
				if opts.Progress != nil {
					opts.Progress(i, len(scanIDs), time.Since(start))
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i := range scanIDs {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	close(resultCh)
	close(errCh)

	results := make([]layerResult, 0, len(scanIDs))
	for res := range resultCh {
		results = append(results, res)
	}
	if err := <-errCh; err != nil {
		return results, err
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// reduceLayer runs the per-layer state sequence: load, optional threshold,
// moments.
func reduceLayer(s *scan.Scan, scanID string, opts Options) (*moments.MeanMap, *moments.CovarianceMap, error) {
	if err := s.Load(scanID, opts.ROI); err != nil {
		return nil, nil, err
	}

	switch opts.Threshold.Mode {
	case ThresholdNone:
	case ThresholdFixed:
		if err := s.Subtract(opts.Threshold.Value); err != nil {
			return nil, nil, err
		}
	case ThresholdAuto:
		level, err := s.EstimateBackground()
		if err != nil {
			return nil, nil, fmt.Errorf("estimating background: %w", err)
		}
		if err := s.Subtract(level); err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("unknown threshold mode %d", opts.Threshold.Mode)
	}

	return s.Moments()
}

// stack assembles completed layers into contiguous 3D volumes, ordered by
// layer index. With a partial result set (a failed compile) only the
// completed prefix-by-index layers are meaningful; the volumes are sized to
// the completed count, with layers placed at their sequence position among
// the completed set.
func stack(results []layerResult, total int) (*MeanVolume, *CovarianceVolume) {
	if len(results) == 0 {
		return nil, nil
	}

	// Order by layer index regardless of completion order.
	ordered := make([]*layerResult, total)
	for i := range results {
		ordered[results[i].index] = &results[i]
	}
	compact := make([]*layerResult, 0, len(results))
	for _, r := range ordered {
		if r != nil {
			compact = append(compact, r)
		}
	}

	first := compact[0].mean
	rows, cols, dims := first.Rows, first.Cols, first.Dims
	mean3d := &MeanVolume{
		Data:   make([]float64, len(compact)*rows*cols*dims),
		Layers: len(compact), Rows: rows, Cols: cols, Dims: dims,
	}
	cov3d := &CovarianceVolume{
		Data:   make([]float64, len(compact)*rows*cols*dims*dims),
		Layers: len(compact), Rows: rows, Cols: cols, Dims: dims,
	}

	meanStride := rows * cols * dims
	covStride := rows * cols * dims * dims
	for i, r := range compact {
		copy(mean3d.Data[i*meanStride:(i+1)*meanStride], r.mean.Data)
		copy(cov3d.Data[i*covStride:(i+1)*covStride], r.cov.Data)
	}
	return mean3d, cov3d
}
