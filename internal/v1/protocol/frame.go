// Package protocol implements the framed-stream wire format: a 4-byte
// big-endian length prefix followed by a self-describing JSON payload with a
// string type discriminator.
package protocol

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/wqdsca/police-thief-core/internal/v1/apperr"
)

// DefaultMaxFrameSize bounds the payload length a decoder will accept unless
// configured otherwise.
const DefaultMaxFrameSize = 1 << 20 // 1 MiB

const headerSize = 4

// Frame is one decoded wire message. Payload is kept raw until the dispatcher
// knows which concrete payload type the discriminator selects.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
}

// Framing errors. All of them are fatal to the connection: the session emits
// a final error frame and transitions to Closing.
var (
	ErrShortRead        = apperr.New(apperr.KindProtocol, "short_read", "stream ended mid-frame")
	ErrOversizedFrame   = apperr.New(apperr.KindProtocol, "oversized_frame", "frame exceeds maximum size")
	ErrMalformedPayload = apperr.New(apperr.KindProtocol, "malformed_payload", "payload is not a valid message record")
	ErrUnknownType      = apperr.New(apperr.KindProtocol, "unknown_type", "unrecognized message discriminator")
)

// Decoder reads frames from a stream. A frame that arrives split across
// several reads of the underlying stream is reassembled. A stream that ends
// mid-frame yields a short_read protocol error; the bytes already read for
// that frame are not kept, so the frame cannot be resumed.
type Decoder struct {
	r       *bufio.Reader
	maxSize int
	header  [headerSize]byte
}

// NewDecoder wraps r with a streaming frame decoder. maxSize <= 0 selects
// DefaultMaxFrameSize.
func NewDecoder(r io.Reader, maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Decoder{r: bufio.NewReader(r), maxSize: maxSize}
}

// Decode reads the next frame. The length header is validated against the
// configured maximum before any payload byte is read, so an oversized frame
// is never decoded to completion.
func (d *Decoder) Decode() (Frame, error) {
	if _, err := io.ReadFull(d.r, d.header[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, apperr.Wrap(apperr.KindProtocol, "short_read", "stream ended mid-header", err)
	}

	n := binary.BigEndian.Uint32(d.header[:])
	if int(n) > d.maxSize {
		return Frame{}, ErrOversizedFrame
	}
	if n == 0 {
		return Frame{}, ErrMalformedPayload
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return Frame{}, apperr.Wrap(apperr.KindProtocol, "short_read", "stream ended mid-frame", err)
	}

	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return Frame{}, apperr.Wrap(apperr.KindProtocol, "malformed_payload", "payload is not a valid message record", err)
	}
	if f.Type == "" {
		return Frame{}, ErrMalformedPayload
	}
	return f, nil
}

// Encoder writes frames to a stream. The header and payload are written in a
// single Write so a short write never reveals a partial frame to the peer.
type Encoder struct {
	w       io.Writer
	maxSize int
}

// NewEncoder wraps w with a frame encoder. maxSize <= 0 selects
// DefaultMaxFrameSize.
func NewEncoder(w io.Writer, maxSize int) *Encoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Encoder{w: w, maxSize: maxSize}
}

// Encode marshals and writes one frame.
func (e *Encoder) Encode(f Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return apperr.Wrap(apperr.KindProtocol, "malformed_payload", "failed to marshal frame", err)
	}
	return e.EncodeRaw(payload)
}

// EncodeRaw writes an already-marshaled payload as one frame. Broadcast uses
// this so a message fanned out to N subscribers is marshaled once.
func (e *Encoder) EncodeRaw(payload []byte) error {
	if len(payload) > e.maxSize {
		return ErrOversizedFrame
	}

	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf[:headerSize], uint32(len(payload)))
	copy(buf[headerSize:], payload)

	_, err := e.w.Write(buf)
	return err
}

// Marshal renders a frame to the bytes EncodeRaw accepts.
func Marshal(f Frame) ([]byte, error) {
	return json.Marshal(f)
}
