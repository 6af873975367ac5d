// Package poskey derives the deterministic position key and its partition
// assignment. The key is the identity of a position across the event store,
// the snapshot store and the bus partitioning scheme, so the derivation must
// be stable across releases.
package poskey

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/eqswap/positions-engine/internal/domain"
)

// ErrInvalidArgument is returned when a key component is empty after
// trimming.
var ErrInvalidArgument = errors.New("poskey: empty key component")

// DefaultPartitions is the partitioner modulus when the configuration does
// not override it.
const DefaultPartitions = 16

// Derive computes the 64-char lowercase hex position key for a normalized
// (account, instrument, currency, direction) tuple. Normalization uppercases
// and trims each component, so case and surrounding whitespace never change
// the key. LONG and SHORT of the same triple yield distinct keys.
func Derive(account, instrument, currency string, direction domain.Direction) (string, error) {
	parts := [3]string{account, instrument, currency}
	names := [3]string{"account", "instrument", "currency"}
	normalized := make([]string, 0, 4)
	for i, p := range parts {
		v := strings.ToUpper(strings.TrimSpace(p))
		if v == "" {
			return "", fmt.Errorf("%w: %s", ErrInvalidArgument, names[i])
		}
		normalized = append(normalized, v)
	}
	dir := domain.DirectionLong
	if direction == domain.DirectionShort {
		dir = domain.DirectionShort
	}
	normalized = append(normalized, string(dir))

	sum := sha256.Sum256([]byte(strings.Join(normalized, "|")))
	return hex.EncodeToString(sum[:]), nil
}

// FromTrade derives the key for a trade message using its normalized
// direction.
func FromTrade(t *domain.Trade) (string, error) {
	return Derive(t.Account, t.Instrument, t.Currency, t.NormalizedDirection())
}

// Inverse derives the key of the opposite direction for the same triple.
func Inverse(account, instrument, currency string, direction domain.Direction) (string, error) {
	return Derive(account, instrument, currency, direction.Opposite())
}

// Partition maps a position key onto one of n partitions by interpreting the
// first four bytes of the key as a big-endian uint32. Keys that do not decode
// (wrong length, non-hex) land on partition 0 rather than failing: the caller
// has already validated the key at derivation time.
func Partition(key string, n int) int {
	if n <= 0 {
		n = DefaultPartitions
	}
	if len(key) < 8 {
		return 0
	}
	raw, err := hex.DecodeString(key[:8])
	if err != nil {
		return 0
	}
	return int(binary.BigEndian.Uint32(raw) % uint32(n))
}
