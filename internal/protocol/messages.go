package protocol

// Coord is a grid coordinate on the wire.
type Coord struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
}

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name"`
	CatalogDigest   string `json:"catalog_digest,omitempty"`
	// Ack asks the server to track this client's requests until it replies ACK.
	Ack bool `json:"ack,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	TickRateHz      int    `json:"tick_rate_hz"`
	ChunkSize       int    `json:"chunk_size"`
	CatalogDigest   string `json:"catalog_digest"`
	Tick            uint64 `json:"tick"`
}

// SYNC (server -> client): full grid state for a joining replica.
type SyncMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	Tick            uint64         `json:"tick"`
	CatalogDigest   string         `json:"catalog_digest"`
	Digest          string         `json:"digest"`
	Chunks          []ChunkPayload `json:"chunks"`
	Seqs            []CoordSeq     `json:"seqs,omitempty"`
}

type ChunkPayload struct {
	CX       int32  `json:"cx"`
	CY       int32  `json:"cy"`
	Encoding string `json:"encoding"` // "RLE"
	Data     string `json:"data"`
}

type CoordSeq struct {
	Coord
	Seq uint64 `json:"seq"`
}

// REQUEST_MUTATION (client -> server)
type RequestMutationMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	Coord           Coord  `json:"coord"`
	Kind            string `json:"kind"`
	Block           uint16 `json:"block,omitempty"`
}

// COMMITTED (server -> all clients)
type CommittedMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	Seq             uint64 `json:"seq"`
	Coord           Coord  `json:"coord"`
	Kind            string `json:"kind"`
	Block           uint16 `json:"block,omitempty"`
	Origin          string `json:"origin,omitempty"`
	ReqID           string `json:"req_id,omitempty"`
	Drops           []int  `json:"drops,omitempty"`
}

// REJECTED (server -> requesting client), only when enabled.
type RejectedMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}

// ACK (client -> server) after the requester applied its own COMMITTED.
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	Seq             uint64 `json:"seq"`
}
