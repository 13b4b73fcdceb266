// Package wire implements the daemon's framed CBOR request/response
// protocol (§4.7): an 8-byte big-endian length prefix followed by a CBOR
// payload. CBOR is self-describing and tolerates unknown/missing fields,
// satisfying the spec's backward-compatibility rule without any explicit
// versioning. Adapted from the teacher's length-prefixed framing idiom in
// internal/api/websocket (raw JSON messages over a single connection),
// generalized here to a binary codec and a plain net.Conn instead of a
// websocket upgrade.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrameSize bounds a single frame to guard against a malformed length
// prefix causing an unbounded allocation.
const MaxFrameSize = 64 * 1024 * 1024

// WriteFrame writes payload as one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	var header [8]byte
	binary.BigEndian.PutUint64(header[:], uint64(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint64(header[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds maximum %d", n, MaxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// EncodeFrame CBOR-encodes v and writes it as a frame.
func EncodeFrame(w io.Writer, v interface{}) error {
	payload, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("cbor marshal: %w", err)
	}
	return WriteFrame(w, payload)
}

// DecodeFrame reads a frame and CBOR-decodes it into v.
func DecodeFrame(r io.Reader, v interface{}) error {
	payload, err := ReadFrame(r)
	if err != nil {
		return err
	}
	if err := cbor.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("cbor unmarshal: %w", err)
	}
	return nil
}
