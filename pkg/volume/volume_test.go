package volume

import (
	"errors"
	"testing"
)

// makeRaw builds a small raw volume with sequential counts for tests.
func makeRaw(t *testing.T, shape []int) *Raw {
	t.Helper()
	n := 1
	for _, s := range shape {
		n *= s
	}
	counts := make([]uint16, n)
	for i := range counts {
		counts[i] = uint16(i % 1000)
	}
	raw, err := New(counts, shape)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return raw
}

func TestNewValidation(t *testing.T) {
	testCases := []struct {
		name    string
		counts  int
		shape   []int
		wantErr bool
	}{
		{"valid 4d", 2 * 3 * 4 * 5, []int{2, 3, 4, 5}, false},
		{"valid 5d", 2 * 2 * 2 * 3 * 4, []int{2, 2, 2, 3, 4}, false},
		{"rank too low", 8, []int{2, 4}, true},
		{"rank too high", 64, []int{2, 2, 2, 2, 2, 2}, true},
		{"length mismatch", 10, []int{2, 3, 4, 5}, true},
		{"zero extent", 0, []int{2, 3, 0, 5}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(make([]uint16, tc.counts), tc.shape)
			if (err != nil) != tc.wantErr {
				t.Errorf("New(%v) error = %v, wantErr %v", tc.shape, err, tc.wantErr)
			}
		})
	}
}

func TestPixelView(t *testing.T) {
	raw := makeRaw(t, []int{2, 2, 3, 3})

	block := raw.Pixel(1, 0)
	if len(block) != 9 {
		t.Fatalf("Pixel block length = %d, want 9", len(block))
	}

	// Pixel (1,0) starts at flat index (1*2+0)*9 = 18.
	for i, c := range block {
		want := raw.Counts[18+i]
		if c != want {
			t.Errorf("Pixel(1,0)[%d] = %d, want %d", i, c, want)
		}
	}

	// The view must alias the buffer, not copy it.
	block[0] = 999
	if raw.Counts[18] != 999 {
		t.Error("Pixel returned a copy, expected a view into Counts")
	}
}

// TestSubtract verifies the clip-then-subtract contract: no element may wrap
// below zero, and every element must equal max(original, v) - v.
func TestSubtract(t *testing.T) {
	original := []uint16{0, 1, 99, 100, 101, 200, 65535}
	for _, v := range []uint16{0, 1, 100, 500} {
		counts := append([]uint16(nil), original...)
		counts = append(counts, make([]uint16, 2*2*2*2-len(counts))...)
		raw, err := New(counts, []int{2, 2, 2, 2})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}

		raw.Subtract(v)

		for i, orig := range original {
			want := uint16(0)
			if orig > v {
				want = orig - v
			}
			if raw.Counts[i] != want {
				t.Errorf("Subtract(%d): element %d = %d, want %d", v, i, raw.Counts[i], want)
			}
		}
	}
}

func TestIntegrate(t *testing.T) {
	// 1x2 detector, 2x2 motor grid with known counts per pixel.
	counts := []uint16{
		1, 2, 3, 4, // pixel (0,0): sum 10
		10, 20, 30, 40, // pixel (0,1): sum 100
	}
	raw, err := New(counts, []int{1, 2, 2, 2})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	sums := raw.Integrate()
	if len(sums) != 2 {
		t.Fatalf("Integrate length = %d, want 2", len(sums))
	}
	if sums[0] != 10 || sums[1] != 100 {
		t.Errorf("Integrate = %v, want [10 100]", sums)
	}
}

func TestValidateAxes(t *testing.T) {
	raw := makeRaw(t, []int{2, 2, 3, 4})

	good := []MotorAxis{make(MotorAxis, 3), make(MotorAxis, 4)}
	if err := ValidateAxes(raw, good); err != nil {
		t.Errorf("ValidateAxes with matching axes failed: %v", err)
	}

	badLen := []MotorAxis{make(MotorAxis, 3), make(MotorAxis, 5)}
	if err := ValidateAxes(raw, badLen); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("ValidateAxes with wrong axis length: got %v, want ErrShapeMismatch", err)
	}

	badCount := []MotorAxis{make(MotorAxis, 3)}
	if err := ValidateAxes(raw, badCount); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("ValidateAxes with missing axis: got %v, want ErrShapeMismatch", err)
	}
}
