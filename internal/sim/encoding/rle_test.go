package encoding

import "testing"

func TestCells_RoundTrip(t *testing.T) {
	in := make([]uint16, 256)
	for i := 16; i < 48; i++ {
		in[i] = 1
	}
	in[100] = 3
	in[255] = 2

	enc := EncodeCells(in)
	out, err := DecodeCells(enc, len(in))
	if err != nil {
		t.Fatalf("DecodeCells: %v", err)
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("mismatch at %d: got %d want %d", i, out[i], in[i])
		}
	}
}

func TestCells_EmptyChunkIsOnePair(t *testing.T) {
	enc := EncodeCells(make([]uint16, 256))
	// 0x00 then uvarint(256) = 0x80 0x02: three bytes, four base64 chars.
	if len(enc) != 4 {
		t.Fatalf("enc=%q", enc)
	}
}

func TestDecodeCells_LengthChecked(t *testing.T) {
	enc := EncodeCells([]uint16{1, 1, 1})
	if _, err := DecodeCells(enc, 2); err == nil {
		t.Fatalf("expected overflow error")
	}
	if _, err := DecodeCells(enc, 4); err == nil {
		t.Fatalf("expected short payload error")
	}
	if _, err := DecodeCells("!!", 0); err == nil {
		t.Fatalf("expected base64 error")
	}
}
