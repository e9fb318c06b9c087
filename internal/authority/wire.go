package authority

import (
	"fmt"
	"sort"

	"tilegrid.ai/internal/grid"
	"tilegrid.ai/internal/protocol"
	"tilegrid.ai/internal/sim/encoding"
)

const encodingRLE = "RLE"

func toWire(c grid.Coord) protocol.Coord { return protocol.Coord{X: c.X, Y: c.Y} }

func fromWire(c protocol.Coord) grid.Coord { return grid.C(c.X, c.Y) }

func CommittedMsg(c Commit) protocol.CommittedMsg {
	return protocol.CommittedMsg{
		Type:            protocol.TypeCommitted,
		ProtocolVersion: protocol.Version,
		Tick:            c.Tick,
		Seq:             c.Seq,
		Coord:           toWire(c.Coord),
		Kind:            c.Kind.String(),
		Block:           uint16(c.Block),
		Origin:          c.Origin,
		ReqID:           c.ReqID,
		Drops:           c.Drops,
	}
}

func CommitFromMsg(m protocol.CommittedMsg) (Commit, error) {
	k, ok := ParseKind(m.Kind)
	if !ok {
		return Commit{}, fmt.Errorf("%w: kind %q", ErrBadRequest, m.Kind)
	}
	if m.Seq == 0 {
		return Commit{}, fmt.Errorf("%w: seq 0", ErrBadRequest)
	}
	return Commit{
		Mutation: Mutation{Coord: fromWire(m.Coord), Kind: k, Block: grid.BlockID(m.Block)},
		Tick:     m.Tick,
		Seq:      m.Seq,
		Origin:   m.Origin,
		ReqID:    m.ReqID,
		Drops:    m.Drops,
	}, nil
}

func RequestMsg(r Request) protocol.RequestMutationMsg {
	return protocol.RequestMutationMsg{
		Type:            protocol.TypeRequestMutation,
		ProtocolVersion: protocol.Version,
		ReqID:           r.ReqID,
		Coord:           toWire(r.Coord),
		Kind:            r.Kind.String(),
		Block:           uint16(r.Block),
	}
}

// RequestFromMsg builds a Request for origin. An unknown kind is returned as
// Kind 0 so the authority rejects it through the normal path.
func RequestFromMsg(origin string, wantAck bool, m protocol.RequestMutationMsg) Request {
	k, _ := ParseKind(m.Kind)
	return Request{
		Mutation: Mutation{Coord: fromWire(m.Coord), Kind: k, Block: grid.BlockID(m.Block)},
		ReqID:    m.ReqID,
		Origin:   origin,
		WantAck:  wantAck,
	}
}

func RejectedMsg(r Rejection) protocol.RejectedMsg {
	msg := protocol.RejectedMsg{
		Type:            protocol.TypeRejected,
		ProtocolVersion: protocol.Version,
		ReqID:           r.ReqID,
		Code:            r.Code(),
	}
	if r.Err != nil {
		msg.Message = r.Err.Error()
	}
	return msg
}

func SyncMsg(s Snapshot) protocol.SyncMsg {
	msg := protocol.SyncMsg{
		Type:            protocol.TypeSync,
		ProtocolVersion: protocol.Version,
		Tick:            s.Tick,
		CatalogDigest:   s.CatalogDigest,
		Digest:          s.Digest,
		Chunks:          make([]protocol.ChunkPayload, 0, len(s.Chunks)),
	}
	for _, ch := range s.Chunks {
		msg.Chunks = append(msg.Chunks, protocol.ChunkPayload{
			CX:       ch.Key.CX,
			CY:       ch.Key.CY,
			Encoding: encodingRLE,
			Data:     encoding.EncodeCells(ch.Cells),
		})
	}
	for c, seq := range s.Seqs {
		msg.Seqs = append(msg.Seqs, protocol.CoordSeq{Coord: toWire(c), Seq: seq})
	}
	sort.Slice(msg.Seqs, func(i, j int) bool {
		return fromWire(msg.Seqs[i].Coord).Less(fromWire(msg.Seqs[j].Coord))
	})
	return msg
}

func SnapshotFromMsg(m protocol.SyncMsg) (Snapshot, error) {
	s := Snapshot{
		Tick:          m.Tick,
		CatalogDigest: m.CatalogDigest,
		Digest:        m.Digest,
		Seqs:          make(map[grid.Coord]uint64, len(m.Seqs)),
	}
	for _, ch := range m.Chunks {
		if ch.Encoding != encodingRLE {
			return Snapshot{}, fmt.Errorf("chunk %d,%d: unsupported encoding %q", ch.CX, ch.CY, ch.Encoding)
		}
		cells, err := encoding.DecodeCells(ch.Data, grid.ChunkSize*grid.ChunkSize)
		if err != nil {
			return Snapshot{}, fmt.Errorf("chunk %d,%d: %w", ch.CX, ch.CY, err)
		}
		s.Chunks = append(s.Chunks, ChunkData{Key: grid.ChunkKey{CX: ch.CX, CY: ch.CY}, Cells: cells})
	}
	for _, e := range m.Seqs {
		s.Seqs[fromWire(e.Coord)] = e.Seq
	}
	return s, nil
}
