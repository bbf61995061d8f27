// Package background estimates the noise-floor threshold of a raw scan from
// image statistics. A random sample of the counts is iteratively stripped of
// outliers (which in this domain is the diffraction signal) until only the
// noise distribution remains; the far tail of that distribution is a
// conservative separator between noise and signal.
package background

import (
	"errors"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"

	"darkfield/pkg/volume"
)

// ErrEmptyNoiseSample is returned when outlier rejection discards the whole
// working sample. Auto-thresholding must not proceed on a degenerate
// estimate, so this is fatal to the caller.
var ErrEmptyNoiseSample = errors.New("background estimation rejected all samples")

const (
	// sampleSize is how many counts are drawn from the flattened volume.
	// Large enough to pin down the noise tail, small enough that the
	// estimate never needs a full sort of a multi-gigabyte block.
	sampleSize = 40000

	// rejectionRounds is the fixed number of median/stddev refits.
	rejectionRounds = 20

	// tailSigma widens the rejection band to a two-sided ~99.99% confidence
	// bound: median + 2*3.891*stddev.
	tailSigma = 2 * 3.891
)

// Estimate returns the background level of a raw volume.
//
// A fixed-size random sample is drawn from the counts, then for 20 rounds
// the sample median and standard deviation are computed and every value at
// or beyond median + 2*3.891*stddev is discarded. The estimate is the
// maximum value surviving the final round, i.e. the far tail of the noise
// distribution.
//
// The sampling is randomized, so repeated calls on the same data generally
// return close but not bit-identical values.
func Estimate(raw *volume.Raw) (uint16, error) {
	noise := drawSample(raw.Counts)

	for i := 0; i < rejectionRounds; i++ {
		sort.Float64s(noise)
		median := stat.Quantile(0.5, stat.Empirical, noise, nil)
		std := stat.StdDev(noise, nil)
		bound := median + tailSigma*std

		kept := noise[:0]
		for _, v := range noise {
			if v < bound {
				kept = append(kept, v)
			}
		}
		noise = kept
		if len(noise) == 0 {
			return 0, ErrEmptyNoiseSample
		}
	}

	// noise is sorted and non-empty; its last element is the tail value.
	return uint16(noise[len(noise)-1]), nil
}

// drawSample copies up to sampleSize random counts into a float64 working
// buffer. Volumes smaller than the sample size are used whole.
func drawSample(counts []uint16) []float64 {
	if len(counts) <= sampleSize {
		sample := make([]float64, len(counts))
		for i, c := range counts {
			sample[i] = float64(c)
		}
		return sample
	}

	sample := make([]float64, sampleSize)
	for i := range sample {
		sample[i] = float64(counts[rand.Intn(len(counts))])
	}
	return sample
}
