package compress

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	syncerr "github.com/23skdu/cloudsync/internal/errors"
	"github.com/23skdu/cloudsync/internal/metrics"
	"github.com/23skdu/cloudsync/internal/record"
)

// Config selects the codec used for binary fields larger than Threshold bytes.
type Config struct {
	Codec     string `envconfig:"COMPRESSION_CODEC" default:"snappy"`
	Level     string `envconfig:"COMPRESSION_LEVEL" default:"default"`
	Threshold int    `envconfig:"COMPRESSION_THRESHOLD" default:"1024"`
}

func DefaultConfig() Config {
	return Config{Codec: "snappy", Level: "default", Threshold: 1024}
}

// Compressor packs and unpacks blob field content.
type Compressor struct {
	codec     Codec
	level     Level
	threshold int
}

func New(cfg Config) (*Compressor, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	c := &Compressor{level: level, threshold: cfg.Threshold}
	if level == LevelNone {
		return c, nil
	}
	codec, err := Lookup(cfg.Codec)
	if err != nil {
		return nil, err
	}
	c.codec = codec
	return c, nil
}

// Hash is the digest used for blob identity and integrity.
func Hash(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// Pack returns data as a blob, compressed when it is above the threshold and
// compression actually shrinks it. A codec failure stores the raw bytes.
func (c *Compressor) Pack(data []byte) record.Blob {
	b := record.Blob{Size: len(data), Digest: Hash(data)}
	if c == nil || c.codec == nil || len(data) <= c.threshold {
		b.Data = append([]byte(nil), data...)
		return b
	}

	name := c.codec.Name()
	out, err := c.codec.Compress(data, c.level)
	if err != nil || len(out) >= len(data) {
		metrics.CompressionFallbackTotal.WithLabelValues(name).Inc()
		b.Data = append([]byte(nil), data...)
		return b
	}

	metrics.CompressionBytesTotal.WithLabelValues(name, "raw").Add(float64(len(data)))
	metrics.CompressionBytesTotal.WithLabelValues(name, "compressed").Add(float64(len(out)))
	b.Data = out
	b.Codec = name
	return b
}

// Unpack returns the raw bytes of b, checking them against its digest.
func Unpack(b record.Blob) ([]byte, error) {
	data := b.Data
	if b.Compressed() {
		codec, err := Lookup(b.Codec)
		if err != nil {
			return nil, syncerr.WrapSchemaMismatchError(err, "compress.Unpack", "unsupported codec")
		}
		data, err = codec.Decompress(b.Data)
		if err != nil {
			return nil, syncerr.WrapSchemaMismatchError(err, "compress.Unpack", "corrupt "+b.Codec+" payload")
		}
	}
	if b.Digest != 0 && Hash(data) != b.Digest {
		return nil, syncerr.NewSchemaMismatchError("compress.Unpack",
			fmt.Sprintf("digest mismatch for %d byte payload", len(data)))
	}
	if b.Compressed() {
		return data, nil
	}
	return append([]byte(nil), data...), nil
}
