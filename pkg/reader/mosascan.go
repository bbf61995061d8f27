// Package reader implements concrete HDF5 readers for beamline scan layouts.
// Acquisition schemes differ between instruments, so these are templates as
// much as implementations: anything satisfying scan.Reader plugs into the
// same reduction pipeline.
package reader

import (
	"fmt"
	"math"
	"sort"

	"github.com/robert-malhotra/go-hdf5/hdf5"

	"darkfield/pkg/scan"
	"darkfield/pkg/volume"
)

// MosaScan reads mosaicity scans from an HDF5 file laid out with one group
// per scan id ("1.1", "2.1", ...). Each group holds a detector frame stack of
// shape (frames, rows, cols) under DataName plus one per-frame motor position
// dataset per motor axis.
//
// Motor positions are rounded to a per-axis decimal precision before the
// unique grid values are extracted; the precision absorbs encoder jitter that
// would otherwise split one grid point into several.
type MosaScan struct {
	// Path is the absolute path to the HDF5 file.
	Path string

	// DataName is the in-group path to the detector frame stack.
	DataName string

	// MotorNames are the in-group paths to the motor position datasets, in
	// scan sequence order (outermost motor first).
	MotorNames []string

	// MotorPrecision gives the trusted decimal count per motor, matching
	// MotorNames.
	MotorPrecision []int
}

// NewMosaScan validates the motor configuration up front so a mismatch fails
// at construction rather than on the first load.
func NewMosaScan(path, dataName string, motorNames []string, motorPrecision []int) (*MosaScan, error) {
	if len(motorNames) == 0 {
		return nil, fmt.Errorf("at least one motor is required")
	}
	if len(motorPrecision) != len(motorNames) {
		return nil, fmt.Errorf("got %d motor precisions for %d motors", len(motorPrecision), len(motorNames))
	}
	return &MosaScan{
		Path:           path,
		DataName:       dataName,
		MotorNames:     motorNames,
		MotorPrecision: motorPrecision,
	}, nil
}

// ReadScan loads one layer: the motor grids, then the frame stack rearranged
// into detector-major layout (rows, cols, motor dims...). The frame order in
// the file must be row-major over the motor grid, outermost motor slowest.
// A nil roi loads the full detector; otherwise rows [RowMin, RowMax) and
// columns [ColMin, ColMax) are kept.
func (m *MosaScan) ReadScan(scanID string, roi *scan.ROI) (*volume.Raw, []volume.MotorAxis, error) {
	f, err := hdf5.Open(m.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", m.Path, err)
	}
	defer f.Close()

	grp, err := f.OpenGroup(scanID)
	if err != nil {
		return nil, nil, fmt.Errorf("opening scan group %q: %w", scanID, err)
	}

	motors := make([]volume.MotorAxis, len(m.MotorNames))
	gridSize := 1
	for i, name := range m.MotorNames {
		ds, err := grp.OpenDataset(name)
		if err != nil {
			return nil, nil, fmt.Errorf("opening motor %q: %w", name, err)
		}
		positions, err := ds.ReadFloat64()
		if err != nil {
			return nil, nil, fmt.Errorf("reading motor %q: %w", name, err)
		}
		if len(positions) == 0 {
			return nil, nil, fmt.Errorf("motor %q has no positions", name)
		}
		motors[i] = motorGrid(positions, m.MotorPrecision[i])
		gridSize *= len(motors[i])
	}

	ds, err := grp.OpenDataset(m.DataName)
	if err != nil {
		return nil, nil, fmt.Errorf("opening dataset %q: %w", m.DataName, err)
	}
	shape := ds.Shape()
	if len(shape) != 3 {
		return nil, nil, fmt.Errorf("dataset %q has rank %d, want 3 (frames, rows, cols)", m.DataName, len(shape))
	}
	frames, rows, cols := int(shape[0]), int(shape[1]), int(shape[2])
	if frames != gridSize {
		return nil, nil, fmt.Errorf("dataset %q holds %d frames but the motor grid has %d points", m.DataName, frames, gridSize)
	}

	stack, err := ds.ReadUint16()
	if err != nil {
		return nil, nil, fmt.Errorf("reading dataset %q: %w", m.DataName, err)
	}

	raw, err := assemble(stack, rows, cols, motors, roi)
	if err != nil {
		return nil, nil, fmt.Errorf("assembling scan %q: %w", scanID, err)
	}
	return raw, motors, nil
}

// motorGrid reduces per-frame motor positions to the sorted unique grid
// values at the given decimal precision.
func motorGrid(positions []float64, precision int) volume.MotorAxis {
	scale := math.Pow(10, float64(precision))
	rounded := make([]float64, len(positions))
	for i, p := range positions {
		rounded[i] = math.Round(p*scale) / scale
	}
	sort.Float64s(rounded)

	axis := make(volume.MotorAxis, 0, len(rounded))
	prev := math.NaN()
	for _, p := range rounded {
		if p != prev {
			axis = append(axis, float32(p))
			prev = p
		}
	}
	return axis
}

// assemble rearranges a frame-major stack (grid point, row, col) into the
// pixel-major layout volume.Raw uses, so every pixel's motor-grid block is
// contiguous. ROI cropping happens during the copy; the library reads whole
// datasets, so the full stack is already in memory at this point.
func assemble(stack []uint16, rows, cols int, motors []volume.MotorAxis, roi *scan.ROI) (*volume.Raw, error) {
	gridSize := 1
	for _, axis := range motors {
		gridSize *= len(axis)
	}

	r1, r2, c1, c2 := 0, rows, 0, cols
	if roi != nil {
		r1, r2, c1, c2 = roi.RowMin, roi.RowMax, roi.ColMin, roi.ColMax
		if r1 < 0 || c1 < 0 || r1 >= r2 || c1 >= c2 || r2 > rows || c2 > cols {
			return nil, fmt.Errorf("roi [%d:%d, %d:%d] outside detector (%d, %d)", r1, r2, c1, c2, rows, cols)
		}
	}
	outRows, outCols := r2-r1, c2-c1

	counts := make([]uint16, outRows*outCols*gridSize)
	for g := 0; g < gridSize; g++ {
		frame := stack[g*rows*cols : (g+1)*rows*cols]
		for r := r1; r < r2; r++ {
			rowBase := ((r-r1)*outCols - c1) * gridSize
			for c := c1; c < c2; c++ {
				counts[rowBase+c*gridSize+g] = frame[r*cols+c]
			}
		}
	}

	shape := make([]int, 0, 2+len(motors))
	shape = append(shape, outRows, outCols)
	for _, axis := range motors {
		shape = append(shape, len(axis))
	}
	return volume.New(counts, shape)
}
