// Package checksum implements the streaming SHA-256 integrity scheme
// used by backup archives: one running hash per tier over canonical
// record JSON, chained into a master hash that also covers record
// counts, so both content and count tampering are detected.
package checksum

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
)

// Calculator accumulates a SHA-256 over a stream of serialized records.
type Calculator struct {
	h     hash.Hash
	count uint64
}

// New returns an empty Calculator.
func New() *Calculator {
	return &Calculator{h: sha256.New()}
}

// Add feeds one record's canonical JSON into the hash.
func (c *Calculator) Add(recordJSON []byte) {
	c.h.Write(recordJSON)
	c.count++
}

// Count returns how many records have been added.
func (c *Calculator) Count() uint64 { return c.count }

// Sum returns the hex-encoded SHA-256 of everything added so far.
func (c *Calculator) Sum() string {
	return hex.EncodeToString(c.h.Sum(nil))
}

// Master chains per-tier checksums into one archive-wide hash. For each
// tier, in fixed tier order, it absorbs the hex digest string followed
// by the record count as 8 little-endian bytes.
type Master struct {
	h hash.Hash
}

// NewMaster returns an empty Master hash.
func NewMaster() *Master {
	return &Master{h: sha256.New()}
}

// AddTier absorbs one tier's hex checksum and record count.
func (m *Master) AddTier(hexSum string, count uint64) {
	m.h.Write([]byte(hexSum))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], count)
	m.h.Write(buf[:])
}

// Sum returns the hex-encoded master checksum.
func (m *Master) Sum() string {
	return hex.EncodeToString(m.h.Sum(nil))
}
