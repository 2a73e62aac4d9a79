package transport

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/nyxrpc/internal/protocol/frame"
	"github.com/danmuck/nyxrpc/internal/testutil/testlog"
)

var (
	testKey    = bytes.Repeat([]byte{7}, 32)
	nonceAtoB  = bytes.Repeat([]byte{1}, 12)
	nonceBtoA  = bytes.Repeat([]byte{2}, 12)
	testBlocks = [][]byte{
		[]byte("hello"),
		bytes.Repeat([]byte("compressible "), 500),
		{0, 1, 2, 3},
	}
)

func pairedDecorators(t *testing.T, crypt, compress bool) (*Decorator, *Decorator) {
	t.Helper()
	a := NewDecorator(DefaultDecoratorLimits())
	b := NewDecorator(DefaultDecoratorLimits())
	if crypt {
		encA, decA, err := NewChaChaCrypter(testKey, nonceAtoB, nonceBtoA)
		if err != nil {
			t.Fatalf("crypter a: %v", err)
		}
		encB, decB, err := NewChaChaCrypter(testKey, nonceBtoA, nonceAtoB)
		if err != nil {
			t.Fatalf("crypter b: %v", err)
		}
		a.SetCrypter(encA, decA)
		b.SetCrypter(encB, decB)
	}
	if compress {
		a.SetCompressor(SnappyCompressor{})
		b.SetCompressor(SnappyCompressor{})
	}
	return a, b
}

func transfer(t *testing.T, from, to *Decorator, step int) []byte {
	t.Helper()
	var wire []byte
	for _, blk := range testBlocks {
		out, err := from.Outbound(blk)
		if err != nil {
			t.Fatalf("outbound: %v", err)
		}
		wire = append(wire, out...)
	}
	var got []byte
	for len(wire) > 0 {
		n := step
		if n > len(wire) {
			n = len(wire)
		}
		plain, err := to.Inbound(wire[:n])
		if err != nil {
			t.Fatalf("inbound: %v", err)
		}
		got = append(got, plain...)
		wire = wire[n:]
	}
	return got
}

func TestDecoratorRoundTrips(t *testing.T) {
	testlog.Start(t)
	want := bytes.Join(testBlocks, nil)
	cases := []struct {
		name            string
		crypt, compress bool
	}{
		{"plain", false, false},
		{"crypt", true, false},
		{"compress", false, true},
		{"crypt+compress", true, true},
	}
	for _, tc := range cases {
		for _, step := range []int{1, 7, 1 << 20} {
			a, b := pairedDecorators(t, tc.crypt, tc.compress)
			if got := transfer(t, a, b, step); !bytes.Equal(got, want) {
				t.Fatalf("%s step=%d: round trip mismatch (%d bytes)", tc.name, step, len(got))
			}
			if got := transfer(t, b, a, step); !bytes.Equal(got, want) {
				t.Fatalf("%s step=%d: reverse mismatch", tc.name, step)
			}
		}
	}
}

func TestDecoratorCiphertextDiffers(t *testing.T) {
	testlog.Start(t)
	a, _ := pairedDecorators(t, true, false)
	out, err := a.Outbound([]byte("plaintext"))
	if err != nil {
		t.Fatalf("outbound: %v", err)
	}
	if bytes.Equal(out, []byte("plaintext")) {
		t.Fatalf("encrypter left bytes unchanged")
	}
}

func TestSnappyRejectsOversizedBlock(t *testing.T) {
	testlog.Start(t)
	packed, err := SnappyCompressor{}.Compress(bytes.Repeat([]byte{'a'}, 4096))
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if _, err := (SnappyCompressor{MaxDecoded: 1024}).Decompress(packed); !errors.Is(err, ErrDecompressedTooLarge) {
		t.Fatalf("expected ErrDecompressedTooLarge, got %v", err)
	}
}

func TestPipeWithCrypterAndCompressor(t *testing.T) {
	testlog.Start(t)
	r := startLoop(t)
	a, b := Pipe(r, r, Options{})
	got := make(chan []byte, 1)
	want := bytes.Join(testBlocks, nil)

	_ = r.Call(func() {
		encA, decA, _ := NewChaChaCrypter(testKey, nonceAtoB, nonceBtoA)
		encB, decB, _ := NewChaChaCrypter(testKey, nonceBtoA, nonceAtoB)
		a.SetCrypter(encA, decA)
		b.SetCrypter(encB, decB)
		a.SetCompressor(SnappyCompressor{})
		b.SetCompressor(SnappyCompressor{})

		var buf []byte
		_ = b.Start(Handler{OnReadable: func(data []byte) error {
			buf = append(buf, data...)
			if len(buf) == len(want) {
				got <- buf
			}
			return nil
		}})
		_ = a.Start(Handler{})
		for _, blk := range testBlocks {
			_ = a.Write(blk)
		}
	})
	select {
	case data := <-got:
		if !bytes.Equal(data, want) {
			t.Fatalf("decoded stream mismatch")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("decoded stream never arrived")
	}
}

func TestDecoratorCapsCompressorInstalledLater(t *testing.T) {
	testlog.Start(t)
	sender := NewDecorator(BlockLimitsFor(1 << 20))
	sender.SetCompressor(SnappyCompressor{})
	wire, err := sender.Outbound(make([]byte, 1<<20))
	if err != nil {
		t.Fatalf("outbound: %v", err)
	}

	small := DecoratorLimits{MaxBlockBytes: 1 << 20, MaxDecodedBytes: 1024}
	recv := NewDecorator(small)
	recv.SetCompressor(SnappyCompressor{})
	if s := recv.Compressor().(SnappyCompressor); s.MaxDecoded != 1024 {
		t.Fatalf("MaxDecoded=%d", s.MaxDecoded)
	}
	if _, err := recv.Inbound(wire); !errors.Is(err, ErrDecompressedTooLarge) {
		t.Fatalf("expected ErrDecompressedTooLarge, got %v", err)
	}

	// raising the limits re-caps the installed compressor
	recv = NewDecorator(small)
	recv.SetCompressor(SnappyCompressor{})
	recv.SetLimits(BlockLimitsFor(1 << 20))
	if s := recv.Compressor().(SnappyCompressor); s.MaxDecoded != 1<<20+frame.LengthPrefixLen {
		t.Fatalf("MaxDecoded after SetLimits=%d", s.MaxDecoded)
	}
	out, err := recv.Inbound(wire)
	if err != nil || len(out) != 1<<20 {
		t.Fatalf("after SetLimits: len=%d err=%v", len(out), err)
	}
}

func TestCrypterSwapAppliesToLaterWritesOnly(t *testing.T) {
	testlog.Start(t)
	r := startLoop(t)
	a, b := Pipe(r, r, Options{})
	got := make(chan []byte, 1)
	const before, after = "queued-before", "sent-after"

	_ = r.Call(func() {
		var buf []byte
		_ = b.Start(Handler{OnReadable: func(data []byte) error {
			buf = append(buf, data...)
			if len(buf) == len(before)+len(after) {
				got <- buf
			}
			return nil
		}})
		// queued before Start, so it is still in the outbound buffer
		if err := a.Write([]byte(before)); err != nil {
			t.Errorf("write before: %v", err)
		}
		enc, _, err := NewChaChaCrypter(testKey, nonceAtoB, nonceBtoA)
		if err != nil {
			t.Errorf("crypter: %v", err)
			return
		}
		a.SetCrypter(enc, nil)
		_ = a.Start(Handler{})
		if err := a.Write([]byte(after)); err != nil {
			t.Errorf("write after: %v", err)
		}
	})

	select {
	case data := <-got:
		if string(data[:len(before)]) != before {
			t.Fatalf("bytes queued before the swap were transformed: %q", data[:len(before)])
		}
		sealed := data[len(before):]
		if string(sealed) == after {
			t.Fatalf("bytes written after the swap went out in plaintext")
		}
		_, dec, _ := NewChaChaCrypter(testKey, nonceBtoA, nonceAtoB)
		plain := make([]byte, len(sealed))
		dec.XORKeyStream(plain, sealed)
		if string(plain) != after {
			t.Fatalf("decrypted=%q", plain)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("bytes never arrived")
	}
}
