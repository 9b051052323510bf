// Package wire implements the RAID-PIR mirror wire protocol: a single
// length-framed CBOR message per round trip, carrying one of a small set
// of opcodes, covering the mirror's connect -> parameters -> repeated
// query exchange.
package wire

import (
	"context"

	"github.com/raid-pir/raidpir/common/xerrors"
)

const moduleName = "wire"

// ErrUnhandledOpcode is returned by a Handler when no case matches the
// opcode carried by a Body.
var ErrUnhandledOpcode = xerrors.New(moduleName, 1, "wire: unhandled opcode")

// ErrEmptyBody is returned when a Body carries none of its optional
// payloads, i.e. it is a malformed or unrecognized message.
var ErrEmptyBody = xerrors.New(moduleName, 2, "wire: empty message body")

// Handler answers wire requests. A mirror.Session implements Handler for
// the mirror side of the protocol.
type Handler interface {
	Handle(ctx context.Context, body *Body) (*Body, error)
}

// Params describes a client's chosen query mode and its dimensions, sent
// once per connection before any query; the values are fixed for the
// life of the session.
type Params struct {
	// Cn is this mirror's chunk-number list: r chunk indices in 0..k-1,
	// cn[0] its primary chunk and the rest its secondary chunks. Empty
	// when R is 0 (Chor mode has no chunk layout).
	Cn []int `cbor:"1,keyasint,omitempty"`
	// K is the total number of mirrors the client is querying against.
	K int `cbor:"2,keyasint"`
	// R is the redundancy factor: the number of chunks this mirror
	// covers. 0 means Chor mode (no chunking, no redundancy).
	R int `cbor:"3,keyasint,omitempty"`
	// Cl is the bit length of every chunk but the last.
	Cl int64 `cbor:"4,keyasint,omitempty"`
	// Lcl is the bit length of the last chunk.
	Lcl int64 `cbor:"5,keyasint,omitempty"`
	// Batch requests the mirror's batch-answer worker instead of
	// answering each query inline.
	Batch bool `cbor:"6,keyasint,omitempty"`
	// Parallel requests Chunked+RNG+Parallel mode: one block answered per
	// chunk in a single round trip.
	Parallel bool `cbor:"7,keyasint,omitempty"`
	// Seed is this mirror's 128-bit AES-CTR seed for RNG-expanded
	// secondary chunks; empty when R is 0 or Parallel/RNG are not in use.
	Seed []byte `cbor:"8,keyasint,omitempty"`
}

// Query carries one request. Exactly one of Masks (the "X" opcode, Chor
// mode's raw full-bitstring request, optionally batched Count of them) or
// Chunks (the "C"/"R"/"M" opcodes' chunk-index -> bytes payload) is
// populated, depending on the session's negotiated mode.
type Query struct {
	// Masks is the concatenation of Count fixed-length N-bit selection
	// masks, used only in Chor mode.
	Masks []byte `cbor:"1,keyasint,omitempty"`
	// Count is the number of masks concatenated in Masks.
	Count int `cbor:"2,keyasint,omitempty"`
	// Chunks carries a chunk-index -> bytes payload: all r of the
	// mirror's chunks in Chunked (no-RNG) mode, or just its primary
	// chunk (keyed by Params.Cn[0]) in Chunked+RNG and Parallel mode.
	Chunks map[int][]byte `cbor:"3,keyasint,omitempty"`
}

// Answer carries the XOR of the blocks selected by a Query. Data holds a
// single BlockSize*Count-byte payload for every opcode except "M", which
// instead returns Blocks, one block per chunk, keyed by chunk index.
type Answer struct {
	Data   []byte         `cbor:"1,keyasint,omitempty"`
	Blocks map[int][]byte `cbor:"2,keyasint,omitempty"`
}

// Hello is the client's opening greeting, identifying itself to the mirror
// for logging and metrics purposes only; it carries no authority.
type Hello struct {
	ClientID string `cbor:"1,keyasint"`
}

// Error is the CBOR-safe representation of a module-scoped xerrors.Error
// for sending across the wire. The mirror and vendor fill in only Message;
// the receiving side does not rebuild an xerrors.Error from it.
type Error struct {
	Module  string `cbor:"1,keyasint"`
	Code    int    `cbor:"2,keyasint"`
	Message string `cbor:"3,keyasint"`
}

// GetManifest requests the vendor's current manifest.
type GetManifest struct{}

// ManifestData carries a CBOR-encoded manifest.Manifest.
type ManifestData struct {
	Data []byte `cbor:"1,keyasint"`
}

// GetMirrorList requests the vendor's current live mirror set.
type GetMirrorList struct{}

// Mirror is one mirror's address, as advertised to the vendor.
type Mirror struct {
	Address string `cbor:"1,keyasint"`
	Port    int    `cbor:"2,keyasint"`
}

// MirrorList carries the vendor registry's current snapshot.
type MirrorList struct {
	Mirrors []Mirror `cbor:"1,keyasint"`
}

// Advertise is a mirror's periodic MIRRORADVERTISE message to the vendor.
type Advertise struct {
	Address string `cbor:"1,keyasint"`
	Port    int    `cbor:"2,keyasint"`
}

// GetComputeTime is the "T" opcode: request the session's accumulated XOR
// compute time so far.
type GetComputeTime struct{}

// ComputeTime answers "T" with the accumulated compute time, in seconds, a
// session has spent inside Store.ProduceXOR/ProduceXORMultiple.
type ComputeTime struct {
	Seconds float64 `cbor:"1,keyasint"`
}

// Body is a wire message: exactly one of its fields should be non-nil.
// The one-of-many-optional-pointers shape keeps a single CBOR struct
// usable for every opcode.
type Body struct {
	Hello          *Hello          `cbor:"1,keyasint,omitempty"`
	Params         *Params         `cbor:"2,keyasint,omitempty"`
	Query          *Query          `cbor:"3,keyasint,omitempty"`
	Answer         *Answer         `cbor:"4,keyasint,omitempty"`
	Error          *Error          `cbor:"5,keyasint,omitempty"`
	GetManifest    *GetManifest    `cbor:"6,keyasint,omitempty"`
	ManifestData   *ManifestData   `cbor:"7,keyasint,omitempty"`
	GetMirrorList  *GetMirrorList  `cbor:"8,keyasint,omitempty"`
	MirrorList     *MirrorList     `cbor:"9,keyasint,omitempty"`
	Advertise      *Advertise      `cbor:"10,keyasint,omitempty"`
	GetComputeTime *GetComputeTime `cbor:"11,keyasint,omitempty"`
	ComputeTime    *ComputeTime    `cbor:"12,keyasint,omitempty"`
}

// IsEmpty reports whether none of Body's payload fields are set.
func (b *Body) IsEmpty() bool {
	return b.Hello == nil && b.Params == nil && b.Query == nil && b.Answer == nil && b.Error == nil &&
		b.GetManifest == nil && b.ManifestData == nil && b.GetMirrorList == nil && b.MirrorList == nil && b.Advertise == nil &&
		b.GetComputeTime == nil && b.ComputeTime == nil
}
