// Package scan ties one raw scan volume to the operations that reduce it.
// A Scan owns its raw counts exclusively: loading replaces the previous
// volume, thresholding mutates it in place, and cached moment maps are
// invalidated by both.
package scan

import (
	"fmt"

	"darkfield/pkg/background"
	"darkfield/pkg/moments"
	"darkfield/pkg/morphology"
	"darkfield/pkg/volume"
)

// ROI restricts which detector rows and columns a reader loads. Bounds are
// half-open: rows [RowMin, RowMax) and columns [ColMin, ColMax).
type ROI struct {
	RowMin, RowMax int
	ColMin, ColMax int
}

// Reader produces one layer's raw counts and motor axes from some storage
// format. Implementations carry their own source configuration (file path,
// dataset names, motor precision) as struct fields; ReadScan only takes what
// varies per layer. A nil roi loads the full detector.
//
// Returned volumes must satisfy the axis/shape contract checked by
// volume.ValidateAxes; Scan.Load fails fast when they do not.
type Reader interface {
	ReadScan(scanID string, roi *ROI) (*volume.Raw, []volume.MotorAxis, error)
}

// MaskParams configures sample-mask estimation. The defaults are tuned
// empirically for dark-field microscopy signal-to-noise; treat them as a
// starting point, not policy.
type MaskParams struct {
	// Threshold is the integrated count value above which a pixel belongs
	// to the sample.
	Threshold float32

	// ErosionIterations is how many times the mask is eroded with a 2x2
	// structuring element to remove isolated noise pixels.
	ErosionIterations int

	// DilationIterations is how many times the mask is dilated afterwards.
	// Deliberately much larger than the erosion count: dilation recovers
	// sample extent lost to erosion and bridges gaps.
	DilationIterations int

	// FillHoles fills fully enclosed background holes in the final mask.
	FillHoles bool
}

// DefaultMaskParams returns the empirically tuned defaults.
func DefaultMaskParams() MaskParams {
	return MaskParams{
		Threshold:          200,
		ErosionIterations:  3,
		DilationIterations: 25,
		FillHoles:          true,
	}
}

// Scan owns at most one raw volume at a time together with its motor axes
// and the moment maps computed from it. Mutating the counts (Subtract) or
// loading a new layer invalidates cached moments; the caller sequences
// load -> [threshold] -> moments in that order.
type Scan struct {
	reader Reader

	data   *volume.Raw
	motors []volume.MotorAxis

	mean *moments.MeanMap
	cov  *moments.CovarianceMap
}

// New returns a Scan that loads layers through the given reader.
func New(reader Reader) *Scan {
	return &Scan{reader: reader}
}

// Load reads a layer through the reader, replacing any previously held raw
// volume and dropping cached moments. The previous volume is released before
// the reader runs, so at most one raw buffer is reachable through the Scan
// even while the next layer is being allocated. This is what bounds memory
// across a layer sequence.
func (s *Scan) Load(scanID string, roi *ROI) error {
	s.data, s.motors = nil, nil
	s.mean, s.cov = nil, nil

	data, motors, err := s.reader.ReadScan(scanID, roi)
	if err != nil {
		return fmt.Errorf("reading scan %q: %w", scanID, err)
	}
	if err := volume.ValidateAxes(data, motors); err != nil {
		return fmt.Errorf("scan %q: %w", scanID, err)
	}

	s.data = data
	s.motors = motors
	return nil
}

// Data returns the currently loaded raw volume, or nil before the first
// Load. The Scan retains ownership.
func (s *Scan) Data() *volume.Raw { return s.data }

// Motors returns the motor axes of the current load.
func (s *Scan) Motors() []volume.MotorAxis { return s.motors }

// Subtract removes a fixed background value from the loaded counts in place
// (clip-then-subtract, see volume.Raw.Subtract) and invalidates cached
// moments.
func (s *Scan) Subtract(value uint16) error {
	if s.data == nil {
		return fmt.Errorf("no scan loaded")
	}
	s.data.Subtract(value)
	s.mean, s.cov = nil, nil
	return nil
}

// EstimateBackground estimates the noise-floor threshold of the loaded
// counts; see package background.
func (s *Scan) EstimateBackground() (uint16, error) {
	if s.data == nil {
		return 0, fmt.Errorf("no scan loaded")
	}
	return background.Estimate(s.data)
}

// Integrate sums the loaded counts over the motor dimensions into a 2D
// float32 detector map.
func (s *Scan) Integrate() ([]float32, error) {
	if s.data == nil {
		return nil, fmt.Errorf("no scan loaded")
	}
	return s.data.Integrate(), nil
}

// EstimateMask segments the diffracting sample region: integrate over motor
// dimensions, binarize, erode, dilate, and optionally fill enclosed holes.
func (s *Scan) EstimateMask(params MaskParams) (*morphology.Mask, error) {
	integrated, err := s.Integrate()
	if err != nil {
		return nil, err
	}
	mask := morphology.Binarize(integrated, s.data.Rows(), s.data.Cols(), params.Threshold)
	mask = morphology.Erode(mask, params.ErosionIterations)
	mask = morphology.Dilate(mask, params.DilationIterations)
	if params.FillHoles {
		mask = morphology.FillHoles(mask)
	}
	return mask, nil
}

// Moments computes (and caches) the first and second moment maps of the
// loaded volume. The cache holds until the next Load or Subtract.
func (s *Scan) Moments() (*moments.MeanMap, *moments.CovarianceMap, error) {
	if s.data == nil {
		return nil, nil, fmt.Errorf("no scan loaded")
	}
	if s.mean != nil && s.cov != nil {
		return s.mean, s.cov, nil
	}

	mean, cov, err := moments.Compute(s.data, s.motors)
	if err != nil {
		return nil, nil, err
	}
	s.mean, s.cov = mean, cov
	return mean, cov, nil
}
