package transport

import (
	"crypto/cipher"
	"errors"
	"fmt"
	"math"

	"github.com/danmuck/nyxrpc/internal/protocol/frame"
	"github.com/golang/snappy"
	"golang.org/x/crypto/chacha20"
)

var ErrDecompressedTooLarge = errors.New("transport: decompressed block exceeds limit")

// Compressor transforms whole write batches. Decompress sees exactly the
// bytes one Compress call produced.
type Compressor interface {
	Name() string
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

// NopCompressor keeps block framing without compressing.
type NopCompressor struct{}

func (NopCompressor) Name() string                          { return "none" }
func (NopCompressor) Compress(src []byte) ([]byte, error)   { return src, nil }
func (NopCompressor) Decompress(src []byte) ([]byte, error) { return src, nil }

type SnappyCompressor struct {
	// MaxDecoded caps the decoded size of one block. A Decorator sets it
	// from its own limits when the compressor is installed.
	MaxDecoded int
}

func (SnappyCompressor) Name() string { return "snappy" }

func (SnappyCompressor) Compress(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (s SnappyCompressor) Decompress(src []byte) ([]byte, error) {
	n, err := snappy.DecodedLen(src)
	if err != nil {
		return nil, err
	}
	if s.MaxDecoded > 0 && n > s.MaxDecoded {
		return nil, fmt.Errorf("%w: %d > %d", ErrDecompressedTooLarge, n, s.MaxDecoded)
	}
	return snappy.Decode(nil, src)
}

// NewChaChaCrypter builds the send and receive key streams for one side of
// a session. Each direction gets its own nonce.
func NewChaChaCrypter(key, sendNonce, recvNonce []byte) (enc, dec cipher.Stream, err error) {
	e, err := chacha20.NewUnauthenticatedCipher(key, sendNonce)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: send cipher: %w", err)
	}
	d, err := chacha20.NewUnauthenticatedCipher(key, recvNonce)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: recv cipher: %w", err)
	}
	return e, d, nil
}

// DecoratorLimits bounds compressed blocks on the wire and what one block
// may expand to on the read path.
type DecoratorLimits struct {
	MaxBlockBytes   uint32
	MaxDecodedBytes int
}

func DefaultDecoratorLimits() DecoratorLimits {
	return BlockLimitsFor(frame.DefaultMaxFrameBytes)
}

// BlockLimitsFor sizes compressed blocks for frames up to maxFrame bytes.
// One write batch is one frame, prefix included.
func BlockLimitsFor(maxFrame uint32) DecoratorLimits {
	decoded := int(maxFrame) + frame.LengthPrefixLen
	n := snappy.MaxEncodedLen(decoded)
	if n < 0 || uint64(n) > math.MaxUint32 {
		return DecoratorLimits{MaxBlockBytes: math.MaxUint32, MaxDecodedBytes: decoded}
	}
	return DecoratorLimits{MaxBlockBytes: uint32(n), MaxDecodedBytes: decoded}
}

// Decorator sits between the rpc channel and the socket. Writes are
// compressed then encrypted; reads are decrypted then decompressed.
// Changes apply only to bytes processed after the change.
type Decorator struct {
	limits     DecoratorLimits
	encrypter  cipher.Stream
	decrypter  cipher.Stream
	compressor Compressor
	blocks     *frame.Parser
}

func NewDecorator(limits DecoratorLimits) *Decorator {
	limits = limits.withDefaults()
	return &Decorator{
		limits: limits,
		blocks: frame.NewParser(frame.Limits{MaxFrameBytes: limits.MaxBlockBytes}),
	}
}

func (l DecoratorLimits) withDefaults() DecoratorLimits {
	def := DefaultDecoratorLimits()
	if l.MaxBlockBytes == 0 {
		l.MaxBlockBytes = def.MaxBlockBytes
	}
	if l.MaxDecodedBytes <= 0 {
		l.MaxDecodedBytes = def.MaxDecodedBytes
	}
	return l
}

// SetLimits resizes both caps. The installed compressor is re-capped.
func (d *Decorator) SetLimits(limits DecoratorLimits) {
	d.limits = limits.withDefaults()
	d.blocks.SetLimits(frame.Limits{MaxFrameBytes: d.limits.MaxBlockBytes})
	if d.compressor != nil {
		d.compressor = d.capped(d.compressor)
	}
}

func (d *Decorator) Limits() DecoratorLimits { return d.limits }

// SetCrypter installs either stream; nil leaves that direction in plaintext.
func (d *Decorator) SetCrypter(enc, dec cipher.Stream) {
	d.encrypter = enc
	d.decrypter = dec
}

func (d *Decorator) SetEncrypter(enc cipher.Stream) { d.encrypter = enc }
func (d *Decorator) SetDecrypter(dec cipher.Stream) { d.decrypter = dec }

func (d *Decorator) SetCompressor(c Compressor) {
	if c != nil {
		c = d.capped(c)
	}
	d.compressor = c
	d.blocks.Reset()
}

// capped ties a snappy compressor's decoded size to the decorator's limit
// so an oversized block is refused before it is expanded.
func (d *Decorator) capped(c Compressor) Compressor {
	if s, ok := c.(SnappyCompressor); ok {
		s.MaxDecoded = d.limits.MaxDecodedBytes
		return s
	}
	return c
}

func (d *Decorator) Compressor() Compressor { return d.compressor }

func (d *Decorator) Encrypting() bool { return d.encrypter != nil }
func (d *Decorator) Decrypting() bool { return d.decrypter != nil }

// Outbound applies the write path to one write batch.
func (d *Decorator) Outbound(data []byte) ([]byte, error) {
	out := data
	if d.compressor != nil {
		packed, err := d.compressor.Compress(out)
		if err != nil {
			return nil, fmt.Errorf("transport: compress: %w", err)
		}
		out, err = frame.Encode(packed, frame.Limits{MaxFrameBytes: d.limits.MaxBlockBytes})
		if err != nil {
			return nil, fmt.Errorf("transport: compress: %w", err)
		}
	}
	if d.encrypter != nil {
		sealed := make([]byte, len(out))
		d.encrypter.XORKeyStream(sealed, out)
		out = sealed
	}
	return out, nil
}

// Inbound applies the read path to one socket chunk. It may return no bytes
// while a compressed block is still incomplete.
func (d *Decorator) Inbound(data []byte) ([]byte, error) {
	in := data
	if d.decrypter != nil {
		plain := make([]byte, len(in))
		d.decrypter.XORKeyStream(plain, in)
		in = plain
	}
	if d.compressor == nil {
		return in, nil
	}
	var out []byte
	err := d.blocks.FeedAll(in, func(block []byte) error {
		raw, err := d.compressor.Decompress(block)
		if err != nil {
			return err
		}
		if len(raw) > d.limits.MaxDecodedBytes {
			return fmt.Errorf("%w: %d > %d", ErrDecompressedTooLarge, len(raw), d.limits.MaxDecodedBytes)
		}
		out = append(out, raw...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("transport: decompress: %w", err)
	}
	return out, nil
}
