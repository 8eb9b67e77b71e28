// Package compress packs large binary field payloads for transmission.
package compress

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/23skdu/cloudsync/internal/pool"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Level trades speed for ratio.
type Level int

const (
	LevelNone Level = iota
	LevelDefault
	LevelBest
	LevelSpeed
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelDefault:
		return "default"
	case LevelBest:
		return "best"
	case LevelSpeed:
		return "speed"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "none", "off":
		return LevelNone, nil
	case "", "default":
		return LevelDefault, nil
	case "best":
		return LevelBest, nil
	case "speed", "fast":
		return LevelSpeed, nil
	}
	return LevelNone, fmt.Errorf("unknown compression level %q", s)
}

// Codec is a named compression algorithm.
type Codec interface {
	Name() string
	Compress(src []byte, level Level) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

var (
	buffers = pool.NewBytePool("codec")

	codecsMu sync.RWMutex
	codecs   = map[string]Codec{}
)

func init() {
	Register(snappyCodec{})
	Register(s2Codec{})
	Register(&zstdCodec{encoders: map[Level]*zstd.Encoder{}})
	Register(lz4Codec{})
	Register(zlibCodec{})
}

// Register makes a codec available by name.
func Register(c Codec) {
	codecsMu.Lock()
	defer codecsMu.Unlock()
	codecs[c.Name()] = c
}

// Lookup returns the named codec.
func Lookup(name string) (Codec, error) {
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	c, ok := codecs[name]
	if !ok {
		return nil, fmt.Errorf("unknown codec %q", name)
	}
	return c, nil
}

// Names lists registered codecs.
func Names() []string {
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	out := make([]string, 0, len(codecs))
	for n := range codecs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

type snappyCodec struct{}

func (snappyCodec) Name() string { return "snappy" }

func (snappyCodec) Compress(src []byte, _ Level) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (snappyCodec) Decompress(src []byte) ([]byte, error) {
	return snappy.Decode(nil, src)
}

type s2Codec struct{}

func (s2Codec) Name() string { return "s2" }

func (s2Codec) Compress(src []byte, level Level) ([]byte, error) {
	switch level {
	case LevelBest:
		return s2.EncodeBest(nil, src), nil
	case LevelDefault:
		return s2.EncodeBetter(nil, src), nil
	}
	return s2.Encode(nil, src), nil
}

func (s2Codec) Decompress(src []byte) ([]byte, error) {
	return s2.Decode(nil, src)
}

type zstdCodec struct {
	mu       sync.Mutex
	encoders map[Level]*zstd.Encoder
	decOnce  sync.Once
	dec      *zstd.Decoder
	decErr   error
}

func (*zstdCodec) Name() string { return "zstd" }

func (c *zstdCodec) encoder(level Level) (*zstd.Encoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encoders[level]; ok {
		return enc, nil
	}
	zl := zstd.SpeedDefault
	switch level {
	case LevelBest:
		zl = zstd.SpeedBestCompression
	case LevelSpeed:
		zl = zstd.SpeedFastest
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zl))
	if err != nil {
		return nil, err
	}
	c.encoders[level] = enc
	return enc, nil
}

func (c *zstdCodec) Compress(src []byte, level Level) ([]byte, error) {
	enc, err := c.encoder(level)
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(src, nil), nil
}

func (c *zstdCodec) Decompress(src []byte) ([]byte, error) {
	c.decOnce.Do(func() {
		c.dec, c.decErr = zstd.NewReader(nil)
	})
	if c.decErr != nil {
		return nil, c.decErr
	}
	return c.dec.DecodeAll(src, nil)
}

type lz4Codec struct{}

func (lz4Codec) Name() string { return "lz4" }

func (lz4Codec) Compress(src []byte, level Level) ([]byte, error) {
	buf := buffers.Get()
	defer buffers.Put(buf)
	w := lz4.NewWriter(buf)
	lvl := lz4.Fast
	switch level {
	case LevelBest:
		lvl = lz4.Level9
	case LevelDefault:
		lvl = lz4.Level4
	}
	if err := w.Apply(lz4.CompressionLevelOption(lvl)); err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return pool.Bytes(buf), nil
}

func (lz4Codec) Decompress(src []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(src)))
}

type zlibCodec struct{}

func (zlibCodec) Name() string { return "zlib" }

func (zlibCodec) Compress(src []byte, level Level) ([]byte, error) {
	lvl := zlib.DefaultCompression
	switch level {
	case LevelBest:
		lvl = zlib.BestCompression
	case LevelSpeed:
		lvl = zlib.BestSpeed
	}
	buf := buffers.Get()
	defer buffers.Put(buf)
	w, err := zlib.NewWriterLevel(buf, lvl)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return pool.Bytes(buf), nil
}

func (zlibCodec) Decompress(src []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
