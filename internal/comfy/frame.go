package comfy

import (
	"encoding/binary"
	"errors"
)

// previewHeaderLen is the size of the little-endian event tag that prefixes
// every binary frame on the backend socket.
const previewHeaderLen = 8

// Known preview event tags.
const (
	PreviewImage          uint64 = 1
	UnencodedPreviewImage uint64 = 2
	PreviewImageWithMeta  uint64 = 4
)

var ErrMalformedFrame = errors.New("malformed preview frame")

// PreviewFrame is a decoded binary frame. Payload aliases the input slice.
type PreviewFrame struct {
	Tag     uint64
	Payload []byte
}

// DecodePreview splits a binary frame into its event tag and payload.
func DecodePreview(b []byte) (PreviewFrame, error) {
	if len(b) < previewHeaderLen {
		return PreviewFrame{}, ErrMalformedFrame
	}
	return PreviewFrame{
		Tag:     binary.LittleEndian.Uint64(b[:previewHeaderLen]),
		Payload: b[previewHeaderLen:],
	}, nil
}

// Bytes re-encodes the frame in wire format.
func (f PreviewFrame) Bytes() []byte {
	out := make([]byte, previewHeaderLen, previewHeaderLen+len(f.Payload))
	binary.LittleEndian.PutUint64(out, f.Tag)
	return append(out, f.Payload...)
}
