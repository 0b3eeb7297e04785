// Package tick defines the market-data tick model shared by the ingest pipeline.
package tick

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/linesport/oddstream/errors"
)

// Tick represents a single market-data price/line update. Ticks are
// ephemeral: they flow through the pipeline and are never persisted.
type Tick struct {
	Exchange  string    `json:"exchange"`
	GameID    string    `json:"gameId"`
	Line      float64   `json:"line"`
	Juice     float64   `json:"juice"`
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
}

// Validate checks structural validity of a tick. It returns a classified
// invalid error describing the first failing field.
func (t *Tick) Validate() error {
	if t.Exchange == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Tick", "Validate", "exchange is empty")
	}
	if t.GameID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Tick", "Validate", "gameId is empty")
	}
	if t.Timestamp.IsZero() {
		return errors.WrapInvalid(errors.ErrInvalidData, "Tick", "Validate", "timestamp is zero")
	}
	if math.IsNaN(t.Line) || math.IsInf(t.Line, 0) {
		return errors.WrapInvalid(errors.ErrInvalidData, "Tick", "Validate", "line is not a number")
	}
	return nil
}

// Fingerprint returns a deterministic 64-bit hash over the identity tuple
// (exchange, gameId, line, timestamp-millis) used for deduplication.
// FNV-1a is fast and non-cryptographic; collisions cost at worst one dropped
// tick, never a correctness failure.
func (t *Tick) Fingerprint() uint64 {
	h := fnv.New64a()

	_, _ = h.Write([]byte(t.Exchange))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(t.GameID))
	_, _ = h.Write([]byte{0})

	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], math.Float64bits(t.Line))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(t.Timestamp.UnixMilli()))
	_, _ = h.Write(buf[:])

	return h.Sum64()
}

// String returns a compact human-readable form for logging
func (t *Tick) String() string {
	return fmt.Sprintf("%s/%s line=%.2f price=%.2f @%s",
		t.Exchange, t.GameID, t.Line, t.Price, t.Timestamp.Format(time.RFC3339))
}
