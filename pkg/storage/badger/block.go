package badger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
)

// block is one chunk of a compressed partition: a consecutive run of raw
// rows re-encoded as a single zstd-compressed value. Timestamps parallels
// Records so scans can merge chunk rows with raw rows in time order. Rows
// ingested after compression (late arrivals routed to a historical
// partition) live beside the chunks as ordinary raw keys.
type block struct {
	Start      time.Time         `json:"start"`
	End        time.Time         `json:"end"`
	Timestamps []time.Time       `json:"timestamps"`
	Records    []json.RawMessage `json:"records"`
}

type blockCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newBlockCodec() (*blockCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &blockCodec{enc: enc, dec: dec}, nil
}

func (c *blockCodec) encode(b block) ([]byte, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal block: %w", err)
	}
	return c.enc.EncodeAll(raw, nil), nil
}

func (c *blockCodec) decode(data []byte) (block, error) {
	var b block
	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return b, fmt.Errorf("decompress block: %w", err)
	}
	if err := json.Unmarshal(raw, &b); err != nil {
		return b, fmt.Errorf("unmarshal block: %w", err)
	}
	return b, nil
}

func (c *blockCodec) close() {
	c.enc.Close()
	c.dec.Close()
}
