package domain

import (
	"fmt"
	"strings"
)

// DType is the numeric element type of stored samples.
type DType string

// Supported sample types.
const (
	DTypeInt32   DType = "int32"
	DTypeFloat32 DType = "float32"
	DTypeFloat64 DType = "float64"
)

// Size returns the width of one sample in bytes, or 0 for unknown types.
func (d DType) Size() int {
	switch d {
	case DTypeInt32, DTypeFloat32:
		return 4
	case DTypeFloat64:
		return 8
	default:
		return 0
	}
}

// Valid reports whether d is a supported sample type.
func (d DType) Valid() bool {
	return d.Size() > 0
}

// ParseDType parses a dtype name. Accepts numpy-style aliases ("i4", "f4", "f8").
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int32", "i4", "<i4":
		return DTypeInt32, nil
	case "float32", "f4", "<f4":
		return DTypeFloat32, nil
	case "float64", "f8", "<f8":
		return DTypeFloat64, nil
	default:
		return "", fmt.Errorf("unknown dtype %q", s)
	}
}

// ChannelKey identifies a sensor channel by its SEED-style codes.
type ChannelKey struct {
	Network  string // e.g. "NZ"
	Station  string // e.g. "WEL"
	Location string // e.g. "10", may be empty
	Code     string // e.g. "HHZ"
}

// String returns the NET.STA.LOC.CHA form.
func (k ChannelKey) String() string {
	return strings.Join([]string{k.Network, k.Station, k.Location, k.Code}, ".")
}

// StationKey returns the NET.STA prefix used to group correlated channels.
func (k ChannelKey) StationKey() string {
	return k.Network + "." + k.Station
}

// ParseChannelKey parses a NET.STA.LOC.CHA string. Location may be empty.
func ParseChannelKey(s string) (ChannelKey, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return ChannelKey{}, fmt.Errorf("invalid channel key %q: want NET.STA.LOC.CHA", s)
	}
	if parts[0] == "" || parts[1] == "" || parts[3] == "" {
		return ChannelKey{}, fmt.Errorf("invalid channel key %q: empty network, station or code", s)
	}
	return ChannelKey{
		Network:  parts[0],
		Station:  parts[1],
		Location: parts[2],
		Code:     parts[3],
	}, nil
}
