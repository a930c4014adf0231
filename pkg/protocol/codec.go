package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/libp2p/go-msgio"
)

// MaxFrameSize caps the encoded body of a single frame. Frames above the
// cap are rejected without being read into memory.
const MaxFrameSize = 128 * 1024

// ErrMalformed marks frames that are oversized, truncated or undecodable.
// A handler that sees it must close the stream.
var ErrMalformed = errors.New("malformed message")

// Codec reads and writes length-prefixed messages on a byte stream. The
// frame layout is a 4-byte big-endian length followed by the JSON body.
type Codec struct {
	r msgio.Reader
	w msgio.Writer
}

// NewCodec wraps a bidirectional stream.
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{
		r: msgio.NewReaderSize(rw, MaxFrameSize),
		w: msgio.NewWriter(rw),
	}
}

// ReadMessage reads and decodes the next frame. It returns an error
// wrapping ErrMalformed for oversized, truncated or undecodable frames,
// and the underlying I/O error (io.EOF included) when the stream ends
// between frames.
func (c *Codec) ReadMessage() (*Message, error) {
	body, err := c.r.ReadMsg()
	if err != nil {
		if errors.Is(err, msgio.ErrMsgTooLarge) {
			return nil, fmt.Errorf("%w: frame exceeds %d bytes", ErrMalformed, MaxFrameSize)
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated frame", ErrMalformed)
		}
		return nil, err
	}
	defer c.r.ReleaseMsg(body)

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// WriteMessage encodes and writes one frame atomically.
func (c *Codec) WriteMessage(msg *Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: frame exceeds %d bytes", ErrMalformed, MaxFrameSize)
	}
	return c.w.WriteMsg(body)
}
