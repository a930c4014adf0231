package protocol

import (
	"fmt"

	"github.com/corelink-net/corelink/pkg/file"
)

// ID is the protocol identifier advertised to the multistream negotiator.
const ID = "/corelink/msg/1.0.0"

// Type tags the message union on the wire.
type Type uint8

const (
	TypeFileOffer Type = iota + 1
	TypeChunkRequest
	TypeChunkData
	TypeChunkNotFound
	TypeAck
	TypeError
)

func (t Type) String() string {
	switch t {
	case TypeFileOffer:
		return "file_offer"
	case TypeChunkRequest:
		return "chunk_request"
	case TypeChunkData:
		return "chunk_data"
	case TypeChunkNotFound:
		return "chunk_not_found"
	case TypeAck:
		return "ack"
	case TypeError:
		return "error"
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// Error codes carried by TypeError messages.
const (
	CodeMalformed   = "malformed"
	CodeUnknownFile = "unknown_file"
	CodeInternal    = "internal"
)

// ChunkRequest asks the offering peer for a batch of chunks.
type ChunkRequest struct {
	FileID  string   `json:"file_id"`
	Indexes []uint32 `json:"indexes"`
}

// ChunkData carries one chunk of an offered file. Hash repeats the digest
// of Data; the receiver's manifest stays authoritative.
type ChunkData struct {
	FileID string `json:"file_id"`
	Index  uint32 `json:"index"`
	Data   []byte `json:"data"`
	Hash   string `json:"hash"`
}

// ChunkRef names a single chunk of a file, used by ChunkNotFound and Ack.
type ChunkRef struct {
	FileID string `json:"file_id"`
	Index  uint32 `json:"index"`
}

// ErrorInfo reports a protocol-level failure to the remote peer.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Message is the framed wire unit. Exactly the payload field matching Type
// is set; all others are nil.
type Message struct {
	Type     Type           `json:"type"`
	Offer    *file.Manifest `json:"offer,omitempty"`
	Request  *ChunkRequest  `json:"request,omitempty"`
	Data     *ChunkData     `json:"data,omitempty"`
	NotFound *ChunkRef      `json:"not_found,omitempty"`
	Ack      *ChunkRef      `json:"ack,omitempty"`
	Error    *ErrorInfo     `json:"error,omitempty"`
}

// NewFileOffer wraps a manifest into an offer message.
func NewFileOffer(m *file.Manifest) *Message {
	return &Message{Type: TypeFileOffer, Offer: m}
}

// NewChunkRequest builds a batch request for the given indexes.
func NewChunkRequest(fileID string, indexes []uint32) *Message {
	return &Message{Type: TypeChunkRequest, Request: &ChunkRequest{FileID: fileID, Indexes: indexes}}
}

// NewChunkData wraps chunk bytes and their digest.
func NewChunkData(fileID string, index uint32, data []byte) *Message {
	return &Message{Type: TypeChunkData, Data: &ChunkData{
		FileID: fileID,
		Index:  index,
		Data:   data,
		Hash:   file.HashChunk(data),
	}}
}

// NewChunkNotFound reports that a requested chunk cannot be served.
func NewChunkNotFound(fileID string, index uint32) *Message {
	return &Message{Type: TypeChunkNotFound, NotFound: &ChunkRef{FileID: fileID, Index: index}}
}

// NewAck acknowledges a verified chunk back to the sender.
func NewAck(fileID string, index uint32) *Message {
	return &Message{Type: TypeAck, Ack: &ChunkRef{FileID: fileID, Index: index}}
}

// NewError builds an error message with the given code and text.
func NewError(code, text string) *Message {
	return &Message{Type: TypeError, Error: &ErrorInfo{Code: code, Message: text}}
}

// validate checks that the payload matching the tag is present and sane.
func (m *Message) validate() error {
	switch m.Type {
	case TypeFileOffer:
		if m.Offer == nil || !m.Offer.Valid() {
			return fmt.Errorf("%w: bad file offer", ErrMalformed)
		}
	case TypeChunkRequest:
		if m.Request == nil || len(m.Request.Indexes) == 0 {
			return fmt.Errorf("%w: empty chunk request", ErrMalformed)
		}
	case TypeChunkData:
		if m.Data == nil || len(m.Data.Data) > int(file.DefaultChunkSize) {
			return fmt.Errorf("%w: bad chunk data", ErrMalformed)
		}
	case TypeChunkNotFound:
		if m.NotFound == nil {
			return fmt.Errorf("%w: missing chunk ref", ErrMalformed)
		}
	case TypeAck:
		if m.Ack == nil {
			return fmt.Errorf("%w: missing ack ref", ErrMalformed)
		}
	case TypeError:
		if m.Error == nil {
			return fmt.Errorf("%w: missing error info", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown message type %d", ErrMalformed, m.Type)
	}
	return nil
}
