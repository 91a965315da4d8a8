package comfy

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"testing/quick"
)

func TestDecodePreviewShortInputIsMalformed(t *testing.T) {
	f := func(b []byte) bool {
		b = b[:len(b)%previewHeaderLen]
		_, err := DecodePreview(b)
		return errors.Is(err, ErrMalformedFrame)
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatal(err)
	}
}

func TestDecodePreviewRoundTrip(t *testing.T) {
	f := func(header [8]byte, payload []byte) bool {
		raw := append(header[:], payload...)
		frame, err := DecodePreview(raw)
		if err != nil {
			return false
		}
		if frame.Tag != binary.LittleEndian.Uint64(header[:]) {
			return false
		}
		if !bytes.Equal(frame.Payload, payload) {
			return false
		}
		return bytes.Equal(frame.Bytes(), raw)
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatal(err)
	}
}

func TestDecodePreviewTags(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		tag  uint64
		body []byte
	}{
		{"header only", []byte{1, 0, 0, 0, 0, 0, 0, 0}, PreviewImage, []byte{}},
		{"unencoded", []byte{2, 0, 0, 0, 0, 0, 0, 0, 0xAA}, UnencodedPreviewImage, []byte{0xAA}},
		{"high byte", []byte{0, 0, 0, 0, 0, 0, 0, 1, 7, 8}, 1 << 56, []byte{7, 8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := DecodePreview(tt.raw)
			if err != nil {
				t.Fatalf("DecodePreview: %v", err)
			}
			if frame.Tag != tt.tag {
				t.Errorf("Tag = %d, want %d", frame.Tag, tt.tag)
			}
			if !bytes.Equal(frame.Payload, tt.body) {
				t.Errorf("Payload = %v, want %v", frame.Payload, tt.body)
			}
		})
	}
}

func TestDecodePreviewEmpty(t *testing.T) {
	if _, err := DecodePreview(nil); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("err = %v, want ErrMalformedFrame", err)
	}
}
