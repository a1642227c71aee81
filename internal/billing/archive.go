package billing

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Archiver compresses raw webhook bodies for the ledger's payload column so
// failed events can be replayed later. EncodeAll and DecodeAll are safe for
// concurrent use, so one Archiver serves all requests.
type Archiver struct {
	enabled bool
	enc     *zstd.Encoder
	dec     *zstd.Decoder
}

// NewArchiver creates an Archiver. A disabled archiver stores nothing but
// can still unpack payloads archived earlier.
func NewArchiver(enabled bool) (*Archiver, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("billing: create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("billing: create zstd decoder: %w", err)
	}
	return &Archiver{enabled: enabled, enc: enc, dec: dec}, nil
}

// Pack returns the compressed body, or nil when archiving is off.
func (a *Archiver) Pack(raw []byte) []byte {
	if a == nil || !a.enabled || len(raw) == 0 {
		return nil
	}
	return a.enc.EncodeAll(raw, make([]byte, 0, len(raw)/2))
}

// Unpack restores a body produced by Pack.
func (a *Archiver) Unpack(packed []byte) ([]byte, error) {
	if a == nil || len(packed) == 0 {
		return nil, fmt.Errorf("billing: no archived payload")
	}
	raw, err := a.dec.DecodeAll(packed, nil)
	if err != nil {
		return nil, fmt.Errorf("billing: zstd decompression failed: %w", err)
	}
	return raw, nil
}
