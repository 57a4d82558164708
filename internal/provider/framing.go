package provider

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// maxFrameBytes bounds inbound frames; anything larger is a protocol error
// and kills the session.
const maxFrameBytes = 1 << 20

// WriteFrame writes one length-prefixed frame: 4-byte big-endian length
// followed by the body.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > maxFrameBytes {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", len(body), maxFrameBytes)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameBytes {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", size, maxFrameBytes)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// decodeBody unpacks a frame body into the generic map the report
// canonicalizer consumes.
func decodeBody(body []byte) (map[string]any, error) {
	var m map[string]any
	if err := msgpack.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("msgpack decode: %w", err)
	}
	return m, nil
}
