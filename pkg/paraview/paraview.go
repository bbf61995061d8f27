// Package paraview exports compiled 3D moment volumes as a legacy-VTK ASCII
// point cloud for visualisation. Each voxel (layer, row, col) becomes one
// vertex on a regular lattice carrying the per-pixel mean components and the
// upper triangle of the covariance matrix as point attributes.
package paraview

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"darkfield/pkg/pipeline"
)

// Write saves the moment volumes to path as an ASCII VTK polydata file that
// ParaView opens directly. Attributes are named mean_1..mean_D for the first
// moments and cov_11, cov_12, ..., cov_DD (upper triangle, 1-indexed) for the
// second moments, matching the motor dimension order of the compile. A path
// without an extension gets ".vtk" appended.
func Write(path string, mean *pipeline.MeanVolume, cov *pipeline.CovarianceVolume) error {
	if mean == nil || cov == nil {
		return fmt.Errorf("nil moment volume")
	}
	if mean.Layers != cov.Layers || mean.Rows != cov.Rows || mean.Cols != cov.Cols || mean.Dims != cov.Dims {
		return fmt.Errorf("mean volume shape (%d,%d,%d,%d) does not match covariance volume (%d,%d,%d,%d)",
			mean.Layers, mean.Rows, mean.Cols, mean.Dims,
			cov.Layers, cov.Rows, cov.Cols, cov.Dims)
	}

	if filepath.Ext(path) == "" {
		path += ".vtk"
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := writeVTK(w, mean, cov); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

func writeVTK(w *bufio.Writer, mean *pipeline.MeanVolume, cov *pipeline.CovarianceVolume) error {
	layers, rows, cols, dims := mean.Layers, mean.Rows, mean.Cols, mean.Dims
	points := layers * rows * cols

	fmt.Fprintln(w, "# vtk DataFile Version 3.0")
	fmt.Fprintln(w, "dark-field moment maps")
	fmt.Fprintln(w, "ASCII")
	fmt.Fprintln(w, "DATASET POLYDATA")

	fmt.Fprintf(w, "POINTS %d double\n", points)
	for l := 0; l < layers; l++ {
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				fmt.Fprintf(w, "%s %s %s\n",
					formatValue(lattice(l, layers)),
					formatValue(lattice(r, rows)),
					formatValue(lattice(c, cols)))
			}
		}
	}

	fmt.Fprintf(w, "VERTICES %d %d\n", points, 2*points)
	for i := 0; i < points; i++ {
		fmt.Fprintf(w, "1 %d\n", i)
	}

	fmt.Fprintf(w, "POINT_DATA %d\n", points)
	for k := 0; k < dims; k++ {
		if err := writeScalars(w, fmt.Sprintf("mean_%d", k+1), points, func(p int) float64 {
			l, r, c := voxel(p, rows, cols)
			return mean.At(l, r, c, k)
		}); err != nil {
			return err
		}
		for j := k; j < dims; j++ {
			if err := writeScalars(w, fmt.Sprintf("cov_%d%d", k+1, j+1), points, func(p int) float64 {
				l, r, c := voxel(p, rows, cols)
				return cov.At(l, r, c, k, j)
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeScalars(w *bufio.Writer, name string, points int, value func(p int) float64) error {
	if _, err := fmt.Fprintf(w, "SCALARS %s double 1\nLOOKUP_TABLE default\n", name); err != nil {
		return err
	}
	for p := 0; p < points; p++ {
		if _, err := fmt.Fprintln(w, formatValue(value(p))); err != nil {
			return err
		}
	}
	return nil
}

// lattice maps index i on an n-point axis to a coordinate evenly spanning
// [0, n], so volume proportions survive in the rendered cloud.
func lattice(i, n int) float64 {
	if n <= 1 {
		return 0
	}
	return float64(i) * float64(n) / float64(n-1)
}

func voxel(p, rows, cols int) (layer, row, col int) {
	col = p % cols
	row = (p / cols) % rows
	layer = p / (rows * cols)
	return
}

// formatValue renders a float for the ASCII body. VTK readers expect
// lowercase "nan" for missing values; Go's %g would print "NaN".
func formatValue(v float64) string {
	if math.IsNaN(v) {
		return "nan"
	}
	return fmt.Sprintf("%g", v)
}
