package types

import (
	"database/sql/driver"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/bits"
)

// ChunkSet records which chunk indices of a session have been received.
// It is a bitmap rather than a counter so that out-of-order and duplicate
// chunk delivery stays idempotent. Persisted as base64 JSON through the
// driver.Valuer/sql.Scanner pair, same as JSONMap.
type ChunkSet struct {
	words []byte
}

// NewChunkSet returns an empty set sized for totalChunks indices
func NewChunkSet(totalChunks int) ChunkSet {
	if totalChunks <= 0 {
		return ChunkSet{}
	}
	return ChunkSet{words: make([]byte, (totalChunks+7)/8)}
}

// Add marks the given index as received. Adding an already-present
// index is a no-op.
func (c *ChunkSet) Add(index int) {
	if index < 0 {
		return
	}
	word := index / 8
	for word >= len(c.words) {
		c.words = append(c.words, 0)
	}
	c.words[word] |= 1 << uint(index%8)
}

// Contains reports whether the given index has been received
func (c *ChunkSet) Contains(index int) bool {
	if index < 0 {
		return false
	}
	word := index / 8
	if word >= len(c.words) {
		return false
	}
	return c.words[word]&(1<<uint(index%8)) != 0
}

// Count returns the number of distinct indices received
func (c *ChunkSet) Count() int {
	total := 0
	for _, w := range c.words {
		total += bits.OnesCount8(w)
	}
	return total
}

// LastContiguous returns the largest index k such that every index in
// [0, k] is present, or -1 if index 0 is missing. This is the resume
// cursor: the client is told to re-send from LastContiguous()+1.
func (c *ChunkSet) LastContiguous() int {
	last := -1
	for i, w := range c.words {
		if w == 0xFF {
			last = i*8 + 7
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if w&(1<<uint(bit)) == 0 {
				return last
			}
			last = i*8 + bit
		}
	}
	return last
}

// Indices returns the set members in ascending order
func (c *ChunkSet) Indices() []int {
	var out []int
	for i, w := range c.words {
		if w == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if w&(1<<uint(bit)) != 0 {
				out = append(out, i*8+bit)
			}
		}
	}
	return out
}

type chunkSetJSON struct {
	Bits string `json:"bits"`
}

// MarshalJSON encodes the bitmap as base64
func (c ChunkSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(chunkSetJSON{Bits: base64.StdEncoding.EncodeToString(c.words)})
}

// UnmarshalJSON decodes the base64 bitmap
func (c *ChunkSet) UnmarshalJSON(data []byte) error {
	var enc chunkSetJSON
	if err := json.Unmarshal(data, &enc); err != nil {
		return err
	}
	words, err := base64.StdEncoding.DecodeString(enc.Bits)
	if err != nil {
		return fmt.Errorf("invalid chunk set encoding: %w", err)
	}
	c.words = words
	return nil
}

// GormDataType tells GORM how to column-type the bitmap
func (c ChunkSet) GormDataType() string {
	return "text"
}

// Value implements the driver.Valuer interface for GORM
func (c ChunkSet) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// Scan implements the sql.Scanner interface for GORM
func (c *ChunkSet) Scan(value interface{}) error {
	if value == nil {
		c.words = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into ChunkSet", value)
	}

	return json.Unmarshal(bytes, c)
}
