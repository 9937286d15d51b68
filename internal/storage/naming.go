package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// TablePrefix prefixes every per-channel table.
const TablePrefix = "waveform_"

// TableName derives the backing table name for a channel id. UUIDs map to
// their 32-digit hex form; any other id maps to a sha256 prefix of the same
// length, so names are deterministic and always valid identifiers.
func TableName(channelID string) string {
	if id, err := uuid.Parse(channelID); err == nil {
		return TablePrefix + strings.ReplaceAll(id.String(), "-", "")
	}
	sum := sha256.Sum256([]byte(channelID))
	return TablePrefix + hex.EncodeToString(sum[:16])
}
