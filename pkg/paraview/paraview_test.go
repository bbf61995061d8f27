package paraview

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"darkfield/pkg/pipeline"
)

// testVolumes builds a 1-layer 2x2 pair of moment volumes with two motor
// dimensions and easily recognizable values.
func testVolumes() (*pipeline.MeanVolume, *pipeline.CovarianceVolume) {
	mean := &pipeline.MeanVolume{
		Layers: 1, Rows: 2, Cols: 2, Dims: 2,
		Data: []float64{
			// (row, col) = (0,0), (0,1), (1,0), (1,1); two mean components each
			1, 10,
			2, 20,
			3, 30,
			4, 40,
		},
	}
	cov := &pipeline.CovarianceVolume{
		Layers: 1, Rows: 2, Cols: 2, Dims: 2,
		Data: make([]float64, 1*2*2*2*2),
	}
	for p := 0; p < 4; p++ {
		cov.Data[p*4+0] = float64(p) + 0.5  // cov_11
		cov.Data[p*4+1] = -1                // cov_12
		cov.Data[p*4+2] = -1                // cov_21 (mirror, not exported)
		cov.Data[p*4+3] = float64(p) + 0.25 // cov_22
	}
	return mean, cov
}

func TestWriteStructure(t *testing.T) {
	mean, cov := testVolumes()
	path := filepath.Join(t.TempDir(), "maps.vtk")

	if err := Write(path, mean, cov); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	text := string(raw)
	lines := strings.Split(strings.TrimSpace(text), "\n")

	if lines[0] != "# vtk DataFile Version 3.0" {
		t.Errorf("header line = %q", lines[0])
	}
	if lines[2] != "ASCII" || lines[3] != "DATASET POLYDATA" {
		t.Errorf("format lines = %q, %q", lines[2], lines[3])
	}
	if !strings.Contains(text, "POINTS 4 double") {
		t.Error("missing POINTS section for 4 voxels")
	}
	if !strings.Contains(text, "VERTICES 4 8") {
		t.Error("missing VERTICES section")
	}
	if !strings.Contains(text, "POINT_DATA 4") {
		t.Error("missing POINT_DATA section")
	}

	// Attributes are interleaved per dimension: mean_i then cov_ij for j >= i.
	wantOrder := []string{
		"SCALARS mean_1 double 1",
		"SCALARS cov_11 double 1",
		"SCALARS cov_12 double 1",
		"SCALARS mean_2 double 1",
		"SCALARS cov_22 double 1",
	}
	pos := 0
	for _, want := range wantOrder {
		idx := strings.Index(text[pos:], want)
		if idx < 0 {
			t.Fatalf("attribute %q missing or out of order", want)
		}
		pos += idx
	}
	if strings.Contains(text, "cov_21") {
		t.Error("lower-triangle covariance entry exported")
	}
}

func TestWriteScalarValues(t *testing.T) {
	mean, cov := testVolumes()
	path := filepath.Join(t.TempDir(), "maps.vtk")

	if err := Write(path, mean, cov); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}

	section := scalarSection(t, string(raw), "mean_1")
	want := []string{"1", "2", "3", "4"} // voxel order (0,0),(0,1),(1,0),(1,1)
	for i, w := range want {
		if section[i] != w {
			t.Errorf("mean_1[%d] = %q, want %q", i, section[i], w)
		}
	}

	section = scalarSection(t, string(raw), "cov_22")
	want = []string{"0.25", "1.25", "2.25", "3.25"}
	for i, w := range want {
		if section[i] != w {
			t.Errorf("cov_22[%d] = %q, want %q", i, section[i], w)
		}
	}
}

// scalarSection returns the value lines of one SCALARS attribute.
func scalarSection(t *testing.T, text, name string) []string {
	t.Helper()
	marker := "SCALARS " + name + " double 1"
	idx := strings.Index(text, marker)
	if idx < 0 {
		t.Fatalf("attribute %q not found", name)
	}
	rest := strings.Split(text[idx:], "\n")
	if len(rest) < 2 || !strings.HasPrefix(rest[1], "LOOKUP_TABLE") {
		t.Fatalf("attribute %q missing lookup table line", name)
	}
	var values []string
	for _, line := range rest[2:] {
		if strings.HasPrefix(line, "SCALARS") || strings.TrimSpace(line) == "" {
			break
		}
		values = append(values, strings.TrimSpace(line))
	}
	return values
}

func TestWriteNaN(t *testing.T) {
	mean, cov := testVolumes()
	mean.Data[0] = math.NaN()
	path := filepath.Join(t.TempDir(), "maps.vtk")

	if err := Write(path, mean, cov); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	section := scalarSection(t, string(raw), "mean_1")
	if section[0] != "nan" {
		t.Errorf("NaN rendered as %q, want lowercase nan", section[0])
	}
}

func TestWriteDefaultExtension(t *testing.T) {
	mean, cov := testVolumes()
	base := filepath.Join(t.TempDir(), "maps")

	if err := Write(base, mean, cov); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := os.Stat(base + ".vtk"); err != nil {
		t.Errorf("expected %s.vtk to exist: %v", base, err)
	}
}

func TestWriteRejectsShapeMismatch(t *testing.T) {
	mean, cov := testVolumes()
	cov.Rows = 3

	if err := Write(filepath.Join(t.TempDir(), "maps.vtk"), mean, cov); err == nil {
		t.Fatal("Write should reject mismatched volume shapes")
	}
	if err := Write(filepath.Join(t.TempDir(), "maps.vtk"), nil, nil); err == nil {
		t.Fatal("Write should reject nil volumes")
	}
}
