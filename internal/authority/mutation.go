package authority

import (
	"fmt"

	"tilegrid.ai/internal/grid"
	"tilegrid.ai/internal/protocol"
)

type Kind uint8

const (
	Add Kind = iota + 1
	Remove
)

func (k Kind) String() string {
	switch k {
	case Add:
		return protocol.KindAdd
	case Remove:
		return protocol.KindRemove
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

func ParseKind(s string) (Kind, bool) {
	switch s {
	case protocol.KindAdd:
		return Add, true
	case protocol.KindRemove:
		return Remove, true
	}
	return 0, false
}

// Mutation is a single grid change. Block is required for Add; on a committed
// Remove it carries the block that was removed.
type Mutation struct {
	Coord grid.Coord
	Kind  Kind
	Block grid.BlockID
}

func (m Mutation) String() string {
	if m.Kind == Add {
		return fmt.Sprintf("%s %s block=%d", m.Kind, m.Coord, m.Block)
	}
	return fmt.Sprintf("%s %s", m.Kind, m.Coord)
}

// Request is a mutation as submitted to the authority.
type Request struct {
	Mutation
	ReqID   string
	Origin  string // session id; empty for server-originated requests
	WantAck bool
}

// Commit is an accepted mutation as broadcast to every replica.
type Commit struct {
	Mutation
	Tick   uint64
	Seq    uint64
	Origin string
	ReqID  string
	Drops  []int
}

// Rejection describes a request that failed validation. Notify is false when
// the requester must not be told.
type Rejection struct {
	Request
	Tick   uint64
	Err    error
	Notify bool
}

func (r Rejection) Code() string { return Code(r.Err) }
