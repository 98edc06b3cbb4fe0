package core

// compression.go wraps the shared zstd-family codec used by the shard
// writer, segment reader and relay: one optional preloaded dictionary,
// shared across every segment and every subscriber connection, exactly as
// the component design calls for.

import (
	"github.com/klauspost/compress/zstd"
)

// Compressor bundles a reusable encoder and decoder pair bound to the same
// optional dictionary. Both klauspost/zstd's Encoder and Decoder are safe
// for concurrent use from multiple goroutines once constructed.
type Compressor struct {
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	dict []byte
}

// NewCompressor builds a Compressor. dict may be nil to run without a
// preloaded dictionary.
func NewCompressor(dict []byte) (*Compressor, error) {
	encOpts := []zstd.EOption{zstd.WithEncoderLevel(zstd.SpeedDefault)}
	decOpts := []zstd.DOption{}
	if len(dict) > 0 {
		encOpts = append(encOpts, zstd.WithEncoderDict(dict))
		decOpts = append(decOpts, zstd.WithDecoderDicts(dict))
	}
	enc, err := zstd.NewWriter(nil, encOpts...)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, decOpts...)
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &Compressor{enc: enc, dec: dec, dict: dict}, nil
}

// Compress appends the zstd-compressed form of src to dst and returns the
// extended slice.
func (c *Compressor) Compress(dst, src []byte) []byte {
	return c.enc.EncodeAll(src, dst)
}

// Decompress appends the decompressed form of src to dst.
func (c *Compressor) Decompress(dst, src []byte) ([]byte, error) {
	return c.dec.DecodeAll(src, dst)
}

// Dict returns the shared dictionary bytes, or nil if none is configured.
func (c *Compressor) Dict() []byte {
	return c.dict
}

// Close releases the encoder/decoder's background goroutines.
func (c *Compressor) Close() {
	c.enc.Close()
	c.dec.Close()
}
