package encoding

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// maxRun caps a single run so a hostile payload cannot ask for an enormous allocation.
const maxRun = 1 << 20

// EncodeCells run-length encodes chunk cells as base64(uvarint id, uvarint run)*.
// An all-empty chunk encodes to a single pair.
func EncodeCells(cells []uint16) string {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte

	for i := 0; i < len(cells); {
		id := cells[i]
		j := i + 1
		for j < len(cells) && cells[j] == id && j-i < maxRun {
			j++
		}
		n := binary.PutUvarint(tmp[:], uint64(id))
		buf.Write(tmp[:n])
		n = binary.PutUvarint(tmp[:], uint64(j-i))
		buf.Write(tmp[:n])
		i = j
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// DecodeCells reverses EncodeCells. When want > 0 the decoded length must equal want.
func DecodeCells(b64 string, want int) ([]uint16, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	out := make([]uint16, 0, want)
	for i := 0; i < len(raw); {
		id, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		run, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		if id > 0xFFFF {
			return nil, fmt.Errorf("block id too large: %d", id)
		}
		if run == 0 || run > maxRun {
			return nil, fmt.Errorf("bad run length %d", run)
		}
		if want > 0 && len(out)+int(run) > want {
			return nil, fmt.Errorf("payload longer than %d cells", want)
		}
		for k := uint64(0); k < run; k++ {
			out = append(out, uint16(id))
		}
	}
	if want > 0 && len(out) != want {
		return nil, fmt.Errorf("payload has %d cells, want %d", len(out), want)
	}
	return out, nil
}
