package mathx

import "testing"

func TestHash_StableAndSpread(t *testing.T) {
	if Hash2(42, 3, -4) != Hash2(42, 3, -4) {
		t.Fatalf("Hash2 not deterministic")
	}
	if Hash2(42, 3, -4) == Hash2(43, 3, -4) {
		t.Fatalf("seed does not affect Hash2")
	}
	if Hash3(1, 0, 0, 1) == Hash3(1, 0, 0, 2) {
		t.Fatalf("sequence does not affect Hash3")
	}
	for i := int32(0); i < 1000; i++ {
		u := Unit(Hash2(7, i, -i))
		if u < 0 || u >= 1 {
			t.Fatalf("Unit out of range: %v", u)
		}
	}
}
