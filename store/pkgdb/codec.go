package pkgdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// compressionThreshold is the encoded size below which records are
	// stored as plain JSON. Dependency lists push most real packages over it.
	compressionThreshold = 1024

	// maxRecordSize caps a decompressed record.
	maxRecordSize = 4 * 1024 * 1024
)

// Record encodings, stored as the first byte of a value.
const (
	encodingIdentity byte = 0
	encodingZstd     byte = 1
)

var errRecordTooLarge = errors.New("record exceeds maximum size")

// recordCodec encodes package records for bbolt. The zstd encoder and
// decoder are goroutine safe and shared by all transactions.
type recordCodec struct {
	mu      sync.RWMutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newRecordCodec() (*recordCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxRecordSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &recordCodec{encoder: enc, decoder: dec}, nil
}

func (c *recordCodec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

func (c *recordCodec) Encode(p *Package) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding package: %w", err)
	}
	if len(data) > maxRecordSize {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPackage, errRecordTooLarge)
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if len(data) >= compressionThreshold && enc != nil {
		compressed := enc.EncodeAll(data, []byte{encodingZstd})
		if len(compressed) < len(data)+1 {
			return compressed, nil
		}
	}
	return append([]byte{encodingIdentity}, data...), nil
}

func (c *recordCodec) Decode(value []byte) (*Package, error) {
	if len(value) == 0 {
		return nil, fmt.Errorf("empty record")
	}

	data := value[1:]
	switch value[0] {
	case encodingIdentity:
	case encodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing record: %w", err)
		}
		data = out
	default:
		return nil, fmt.Errorf("unsupported record encoding %d", value[0])
	}

	var p Package
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding package: %w", err)
	}
	return &p, nil
}
