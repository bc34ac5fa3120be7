package filter

import (
	"testing"
)

// TestFilterBuilderEdgeCases tests edge cases for Builder.
func TestFilterBuilderEdgeCases(t *testing.T) {
	// Test bitsPerKey < 1 normalization
	b := NewBuilder(0)
	if b == nil {
		t.Fatal("expected non-nil builder with bitsPerKey=0")
	}
	b.AddKey([]byte("test"))
	data := b.Finish()
	if len(data) == 0 {
		t.Error("expected non-empty filter block data")
	}

	// Negative bitsPerKey should also normalize without panicking.
	b2 := NewBuilder(-5)
	if b2 == nil {
		t.Fatal("expected non-nil builder with negative bitsPerKey")
	}
	b2.AddKey([]byte("test"))
	if len(b2.Finish()) == 0 {
		t.Error("expected non-empty filter block data")
	}
}

// TestFilterBuilderNumKeys tests NumKeys bookkeeping across ranges.
func TestFilterBuilderNumKeys(t *testing.T) {
	b := NewBuilder(10)

	if b.NumKeys() != 0 {
		t.Errorf("empty builder NumKeys = %d, want 0", b.NumKeys())
	}

	b.AddKey([]byte("key1"))
	if b.NumKeys() != 1 {
		t.Errorf("NumKeys = %d, want 1", b.NumKeys())
	}

	b.StartBlock(RangeSize)
	b.AddKey([]byte("key2"))
	b.AddKey([]byte("key3"))
	if b.NumKeys() != 3 {
		t.Errorf("NumKeys = %d, want 3", b.NumKeys())
	}
}

// TestCreateFilterProbeCountRanges checks k at representative bits-per-key
// values, matching round(bits_per_key * ln 2) clamped to [1, 30].
func TestCreateFilterProbeCountRanges(t *testing.T) {
	testCases := []struct {
		bitsPerKey int
		expected   int
	}{
		{1, 1},
		{5, 3},  // round(5*0.6931) = 3
		{10, 7}, // round(10*0.6931) = 7
		{20, 14},
		{50, 30}, // clamped
	}

	for _, tc := range testCases {
		data := createFilter([][]byte{[]byte("k")}, tc.bitsPerKey)
		k := int(data[len(data)-1])
		if k != tc.expected {
			t.Errorf("bits_per_key=%d: k=%d, want %d", tc.bitsPerKey, k, tc.expected)
		}
	}
}

// TestNewReaderInvalid tests NewReader with malformed filter block data.
func TestNewReaderInvalid(t *testing.T) {
	if NewReader([]byte{1, 2, 3}) != nil {
		t.Error("expected nil reader for data shorter than the trailer")
	}

	// array_offset points past the end of the data: reject.
	bad := make([]byte, 5)
	bad[0], bad[1], bad[2], bad[3] = 0xFF, 0xFF, 0xFF, 0x7F
	bad[4] = BaseLg
	if NewReader(bad) != nil {
		t.Error("expected nil reader for out-of-range array_offset")
	}
}

// TestReaderNilReceiver tests KeyMayMatch on a nil Reader (no filter present).
func TestReaderNilReceiver(t *testing.T) {
	var r *Reader
	if !r.KeyMayMatch(0, []byte("test")) {
		t.Error("nil reader (no filter) should report a possible match")
	}
}

// TestBloomMayMatchEmptyBytes tests bloomMayMatch against degenerate filter bytes.
func TestBloomMayMatchEmptyBytes(t *testing.T) {
	if bloomMayMatch([]byte("k"), nil) {
		t.Error("nil filter bytes should never match")
	}
	// Reserved encoding: k > maxProbes means "unknown, treat as match".
	reserved := []byte{0x00, byte(maxProbes + 1)}
	if !bloomMayMatch([]byte("k"), reserved) {
		t.Error("reserved encoding should fail open")
	}
}
