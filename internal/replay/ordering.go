package replay

import (
	"slices"
	"strings"

	"seisflow/internal/domain"
)

// SortPackets orders packets by (start ASC, channel id ASC). Packets of
// different channels that start together are replayed in id order so a
// station group always sees the same interleaving.
func SortPackets(packets []domain.Trace) {
	slices.SortStableFunc(packets, comparePackets)
}

// ValidatePacketOrdering checks that packets are sorted for replay.
func ValidatePacketOrdering(packets []domain.Trace) error {
	for i := 1; i < len(packets); i++ {
		if comparePackets(packets[i-1], packets[i]) > 0 {
			return ErrInvalidOrdering
		}
	}
	return nil
}

func comparePackets(a, b domain.Trace) int {
	if c := a.Start.Compare(b.Start); c != 0 {
		return c
	}
	return strings.Compare(a.ChannelID, b.ChannelID)
}
