// Package wire encodes the binary packets delivered to waveform clients.
//
// Every packet is little-endian and starts with a common prefix:
//
//	uint16  version      (1)
//	uint16  kind         (1 waveform, 2 spectrogram)
//	[64]byte request_id  zero padded
//	[64]byte command     zero padded
//	[64]byte channel_id  zero padded
//
// followed by a kind-specific fixed header and a variable tail. Decoding is
// the exact inverse of encoding.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Version is the only protocol version produced and accepted.
const Version uint16 = 1

// FieldLen is the fixed width of the id, command and channel fields.
const FieldLen = 64

const prefixLen = 2 + 2 + 3*FieldLen

// Kind identifies the packet layout following the prefix.
type Kind uint16

// Packet kinds.
const (
	KindWaveform    Kind = 1
	KindSpectrogram Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindWaveform:
		return "waveform"
	case KindSpectrogram:
		return "spectrogram"
	default:
		return fmt.Sprintf("kind(%d)", uint16(k))
	}
}

var (
	// ErrCorruptPacket is returned when a buffer is not a well-formed packet.
	ErrCorruptPacket = errors.New("corrupt packet")

	// ErrFieldTooLong is returned when a header string exceeds FieldLen bytes.
	ErrFieldTooLong = errors.New("header field too long")
)

var le = binary.LittleEndian

// Header carries the routing fields shared by all packet kinds.
type Header struct {
	RequestID string
	Command   string
	ChannelID string
}

// PeekKind returns the kind of an encoded packet without decoding it.
func PeekKind(b []byte) (Kind, error) {
	if len(b) < prefixLen {
		return 0, fmt.Errorf("%w: %d bytes is shorter than the common header", ErrCorruptPacket, len(b))
	}
	if v := le.Uint16(b[0:2]); v != Version {
		return 0, fmt.Errorf("%w: version %d", ErrCorruptPacket, v)
	}
	k := Kind(le.Uint16(b[2:4]))
	if k != KindWaveform && k != KindSpectrogram {
		return 0, fmt.Errorf("%w: unknown %s", ErrCorruptPacket, k)
	}
	return k, nil
}

func (h Header) validate() error {
	fields := [...]struct{ name, value string }{
		{"request_id", h.RequestID},
		{"command", h.Command},
		{"channel_id", h.ChannelID},
	}
	for _, f := range fields {
		if len(f.value) > FieldLen {
			return fmt.Errorf("%w: %s is %d bytes", ErrFieldTooLong, f.name, len(f.value))
		}
	}
	return nil
}

// putPrefix writes the common prefix into b[:prefixLen].
func putPrefix(b []byte, kind Kind, h Header) {
	le.PutUint16(b[0:2], Version)
	le.PutUint16(b[2:4], uint16(kind))
	copy(b[4:4+FieldLen], h.RequestID)
	copy(b[4+FieldLen:4+2*FieldLen], h.Command)
	copy(b[4+2*FieldLen:prefixLen], h.ChannelID)
}

// readPrefix parses the common prefix and checks the kind.
func readPrefix(b []byte, want Kind) (Header, error) {
	kind, err := PeekKind(b)
	if err != nil {
		return Header{}, err
	}
	if kind != want {
		return Header{}, fmt.Errorf("%w: got %s, want %s", ErrCorruptPacket, kind, want)
	}
	return Header{
		RequestID: field(b[4 : 4+FieldLen]),
		Command:   field(b[4+FieldLen : 4+2*FieldLen]),
		ChannelID: field(b[4+2*FieldLen : prefixLen]),
	}, nil
}

func field(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
