package label

import (
	"testing"

	"histotrace/pkg/raster"
)

// makeMask builds a mask from a per-pixel predicate.
func makeMask(width, height int, pattern func(x, y int) bool) *raster.BitMask {
	m := raster.NewBitMask(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			m.Set(x, y, pattern(x, y))
		}
	}
	return m
}

// TestLabelBlobs verifies separate regions get separate labels
func TestLabelBlobs(t *testing.T) {
	m := makeMask(12, 6, func(x, y int) bool {
		// Three 2x2 blocks with gaps between them.
		return y >= 2 && y < 4 && (x/2)%2 == 0 && x < 10
	})

	lm, n, err := Label(m, Conn4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 components, got %d", n)
	}
	if lm.At(0, 2) == lm.At(4, 2) || lm.At(4, 2) == lm.At(8, 2) {
		t.Error("distinct blobs share a label")
	}
	if lm.At(0, 2) != lm.At(1, 3) {
		t.Error("pixels of one blob carry different labels")
	}
	if lm.At(2, 2) != 0 {
		t.Error("background pixel got a label")
	}
}

// TestLabelConnectivity verifies the diagonal pair joins only under Conn8
func TestLabelConnectivity(t *testing.T) {
	m := makeMask(4, 4, func(x, y int) bool {
		return (x == 1 && y == 1) || (x == 2 && y == 2)
	})

	if _, n, err := Label(m, Conn4); err != nil || n != 2 {
		t.Errorf("Conn4: expected 2 components, got %d (err %v)", n, err)
	}
	if _, n, err := Label(m, Conn8); err != nil || n != 1 {
		t.Errorf("Conn8: expected 1 component, got %d (err %v)", n, err)
	}
}

// TestLabelBadConnectivity verifies values other than 4 and 8 are rejected
func TestLabelBadConnectivity(t *testing.T) {
	m := makeMask(3, 3, func(x, y int) bool { return x == 1 })
	if _, _, err := Label(m, Connectivity(6)); err == nil {
		t.Error("expected an error for connectivity 6")
	}
	if _, err := RemoveSmall(m, 2, Connectivity(0)); err == nil {
		t.Error("expected an error for connectivity 0")
	}
}

// TestLabelEdges verifies empty and full masks
func TestLabelEdges(t *testing.T) {
	if _, n, err := Label(raster.NewBitMask(5, 5), Conn4); err != nil || n != 0 {
		t.Errorf("empty mask: expected 0 components, got %d (err %v)", n, err)
	}

	full := makeMask(5, 5, func(x, y int) bool { return true })
	lm, n, err := Label(full, Conn4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("full mask: expected 1 component, got %d", n)
	}
	if lm.At(0, 0) != 1 || lm.At(4, 4) != 1 {
		t.Error("full mask should be one label everywhere")
	}
}

// TestLabelWidening verifies masks with more than 65535 components
func TestLabelWidening(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping widening test in short mode")
	}

	// Isolated pixels on a half-spaced grid: 257x257 = 66049 components,
	// enough to overflow 16-bit labels.
	size := 514
	m := makeMask(size, size, func(x, y int) bool {
		return x%2 == 0 && y%2 == 0
	})

	lm, n, err := Label(m, Conn4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := 257 * 257
	if n != want {
		t.Fatalf("expected %d components, got %d", want, n)
	}
	if lm.Max() != uint32(want) {
		t.Errorf("expected max label %d, got %d", want, lm.Max())
	}

	// Labels assigned after the widening point must survive intact.
	seen := make(map[uint32]bool)
	for _, v := range lm.Pix {
		if v != 0 {
			seen[v] = true
		}
	}
	if len(seen) != want {
		t.Errorf("expected %d distinct labels, got %d", want, len(seen))
	}
}

// TestRelabel verifies compaction keeps scan order
func TestRelabel(t *testing.T) {
	lm := raster.NewLabelMap(4, 1)
	lm.Pix = []uint32{7, 0, 3, 7}

	n := Relabel(lm)
	if n != 2 {
		t.Fatalf("expected 2 labels after compaction, got %d", n)
	}
	want := []uint32{1, 0, 2, 1}
	for i, v := range want {
		if lm.Pix[i] != v {
			t.Errorf("pixel %d: expected label %d, got %d", i, v, lm.Pix[i])
		}
	}
}

// TestRemoveSmall verifies size-based component cleanup
func TestRemoveSmall(t *testing.T) {
	m := makeMask(10, 4, func(x, y int) bool {
		// A 3x3 block and a lone pixel.
		return (x >= 1 && x < 4 && y >= 1 && y < 4) || (x == 7 && y == 2)
	})

	removed, err := RemoveSmall(m, 4, Conn4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed component, got %d", removed)
	}
	if m.On(7, 2) {
		t.Error("small component survived")
	}
	if !m.On(2, 2) {
		t.Error("large component was removed")
	}
	if m.Count() != 9 {
		t.Errorf("expected 9 remaining pixels, got %d", m.Count())
	}
}

// TestSizes verifies per-label pixel counts
func TestSizes(t *testing.T) {
	m := makeMask(6, 2, func(x, y int) bool { return x < 2 || x == 4 })
	lm, n, err := Label(m, Conn4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 components, got %d", n)
	}

	sizes := Sizes(lm)
	if sizes[lm.At(0, 0)] != 4 {
		t.Errorf("expected left component size 4, got %d", sizes[lm.At(0, 0)])
	}
	if sizes[lm.At(4, 0)] != 2 {
		t.Errorf("expected right component size 2, got %d", sizes[lm.At(4, 0)])
	}
}
