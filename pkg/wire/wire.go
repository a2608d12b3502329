// Package wire defines the messages exchanged between the host portal
// and the enclave worker, and the byte framing that carries them.
//
// Frames are symmetric in both directions: an 8-byte little-endian
// length followed by exactly that many bytes of CBOR payload. No magic
// number, no version byte; schema evolution is the caller's concern.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/daviddao/clockproof/pkg/attested"
	"github.com/fxamacker/cbor/v2"
)

// Framing and decode errors.
var (
	// ErrTruncated means a frame ended before its declared length.
	ErrTruncated = errors.New("truncated frame")
	// ErrMalformed means a frame's length or content is inconsistent.
	ErrMalformed = errors.New("malformed frame")
)

// maxFrameLen bounds a single frame. An Update carrying thousands of
// dependency clocks stays far below this; anything above it is a framing
// desync, not a real message.
const maxFrameLen = 64 << 20

// Update asks the worker to advance one dimension of a clock: merge
// Prev with every clock in Deps, then increment Dimension. ID is the
// caller's correlation id, echoed verbatim in the response.
type Update struct {
	ID        uint64           `cbor:"id"`
	Prev      attested.Clock   `cbor:"prev"`
	Deps      []attested.Clock `cbor:"deps,omitempty"`
	Dimension uint64           `cbor:"dim"`
}

// UpdateOK is the worker's reply: the freshly attested clock plus
// per-stage latency samples (decode, verify, update, attest, total).
// The latencies are advisory telemetry, not load-bearing for
// correctness.
type UpdateOK struct {
	ID        uint64          `cbor:"id"`
	Clock     attested.Clock  `cbor:"clock"`
	Latencies []time.Duration `cbor:"latencies,omitempty"`
}

// WriteFrame writes the length prefix and payload as one logical write,
// so concurrent writers on the same stream can never interleave halves
// of two frames.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint64(buf, uint64(len(payload)))
	copy(buf[8:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads exactly one frame: 8 length bytes, then the payload.
// A stream that ends cleanly at a frame boundary returns io.EOF; one
// that ends mid-frame returns ErrTruncated.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: length prefix: %v", ErrTruncated, err)
	}
	n := binary.LittleEndian.Uint64(header[:])
	if n > maxFrameLen {
		return nil, fmt.Errorf("%w: declared length %d exceeds limit", ErrMalformed, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrTruncated, err)
	}
	return payload, nil
}

// EncodeUpdate serializes an update request for framing.
func EncodeUpdate(u Update) ([]byte, error) {
	buf, err := cbor.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return buf, nil
}

// DecodeUpdate parses an update request payload. Content errors wrap
// ErrMalformed.
func DecodeUpdate(buf []byte) (Update, error) {
	var u Update
	if err := cbor.Unmarshal(buf, &u); err != nil {
		return Update{}, fmt.Errorf("%w: update: %v", ErrMalformed, err)
	}
	return u, nil
}

// EncodeUpdateOK serializes a response for framing.
func EncodeUpdateOK(ok UpdateOK) ([]byte, error) {
	buf, err := cbor.Marshal(ok)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return buf, nil
}

// DecodeUpdateOK parses a response payload. Content errors wrap
// ErrMalformed.
func DecodeUpdateOK(buf []byte) (UpdateOK, error) {
	var ok UpdateOK
	if err := cbor.Unmarshal(buf, &ok); err != nil {
		return UpdateOK{}, fmt.Errorf("%w: response: %v", ErrMalformed, err)
	}
	return ok, nil
}
