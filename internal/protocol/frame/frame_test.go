package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"

	"github.com/danmuck/nyxrpc/internal/testutil/testlog"
)

func buildStream(t *testing.T, payloads ...[]byte) []byte {
	t.Helper()
	var out []byte
	for _, p := range payloads {
		var err error
		out, err = AppendFrame(out, p, DefaultLimits())
		if err != nil {
			t.Fatalf("append frame: %v", err)
		}
	}
	return out
}

func collect(t *testing.T, p *Parser, chunks [][]byte) [][]byte {
	t.Helper()
	var got [][]byte
	for _, c := range chunks {
		err := p.FeedAll(c, func(payload []byte) error {
			got = append(got, payload)
			return nil
		})
		if err != nil {
			t.Fatalf("feed: %v", err)
		}
	}
	return got
}

func TestEncodeDecodePayloadRoundTrip(t *testing.T) {
	testlog.Start(t)
	payload, err := EncodePayload(513, []byte("hello"))
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	wire, err := Encode(payload, DefaultLimits())
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if got := binary.LittleEndian.Uint32(wire[:4]); got != 7 {
		t.Fatalf("length prefix=%d want 7", got)
	}
	if wire[4] != 0x01 || wire[5] != 0x02 {
		t.Fatalf("method index not little-endian: % x", wire[4:6])
	}

	res, err := NewParser(DefaultLimits()).Feed(wire)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if res.Status != FrameComplete || res.N != len(wire) {
		t.Fatalf("unexpected result: %+v", res)
	}
	idx, body, err := DecodePayload(res.Payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if idx != 513 || string(body) != "hello" {
		t.Fatalf("round trip mismatch: idx=%d body=%q", idx, body)
	}
}

func TestParserChunkBoundaryIndependence(t *testing.T) {
	testlog.Start(t)
	payloads := [][]byte{
		[]byte("a"),
		bytes.Repeat([]byte("xy"), 300),
		[]byte("ping"),
		{0, 0, 0, 0, 1},
		bytes.Repeat([]byte{0xFF}, 4096),
	}
	stream := buildStream(t, payloads...)
	whole := collect(t, NewParser(DefaultLimits()), [][]byte{stream})
	if len(whole) != len(payloads) {
		t.Fatalf("whole stream frames=%d want %d", len(whole), len(payloads))
	}

	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		var chunks [][]byte
		rest := stream
		for len(rest) > 0 {
			n := 1 + rng.Intn(17)
			if round%3 == 0 {
				n = 1
			}
			if n > len(rest) {
				n = len(rest)
			}
			chunks = append(chunks, rest[:n])
			rest = rest[n:]
		}
		got := collect(t, NewParser(DefaultLimits()), chunks)
		if len(got) != len(whole) {
			t.Fatalf("round %d frames=%d want %d", round, len(got), len(whole))
		}
		for i := range got {
			if !bytes.Equal(got[i], whole[i]) {
				t.Fatalf("round %d frame %d mismatch", round, i)
			}
		}
	}
}

func TestParserKeepsSplitLengthPrefix(t *testing.T) {
	testlog.Start(t)
	stream := buildStream(t, []byte("pong"))
	p := NewParser(DefaultLimits())

	res, err := p.Feed(stream[:3])
	if err != nil || res.Status != NeedMore || res.N != 3 {
		t.Fatalf("first chunk: res=%+v err=%v", res, err)
	}
	if p.Buffered() != 3 {
		t.Fatalf("buffered=%d want 3", p.Buffered())
	}
	res, err = p.Feed(stream[3:])
	if err != nil || res.Status != FrameComplete || string(res.Payload) != "pong" {
		t.Fatalf("second chunk: res=%+v err=%v", res, err)
	}
	if p.Buffered() != 0 {
		t.Fatalf("parser did not reset: buffered=%d", p.Buffered())
	}
}

func TestParserRejectsZeroLength(t *testing.T) {
	testlog.Start(t)
	p := NewParser(DefaultLimits())
	res, err := p.Feed([]byte{0, 0, 0, 0, 'x'})
	if !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("expected ErrEmptyFrame, got %v", err)
	}
	if res.Status != ProtocolError {
		t.Fatalf("status=%s want protocol_error", res.Status)
	}
	if _, err := p.Feed(buildStream(t, []byte("ok"))); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("parser must stay poisoned, got %v", err)
	}
}

func TestParserRejectsOversizedLength(t *testing.T) {
	testlog.Start(t)
	p := NewParser(Limits{MaxFrameBytes: 16})
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], 17)
	res, err := p.Feed(prefix[:2])
	if err != nil || res.Status != NeedMore {
		t.Fatalf("partial prefix: res=%+v err=%v", res, err)
	}
	res, err = p.Feed(prefix[2:])
	if !errors.Is(err, ErrFrameTooLarge) || res.Status != ProtocolError {
		t.Fatalf("expected ErrFrameTooLarge, got res=%+v err=%v", res, err)
	}

	p.Reset()
	res, err = p.Feed(buildStream(t, []byte("fits")))
	if err != nil || res.Status != FrameComplete {
		t.Fatalf("after reset: res=%+v err=%v", res, err)
	}
}

func TestDefaultLimitRejectsAboveMax(t *testing.T) {
	testlog.Start(t)
	if err := DefaultLimits().CheckLength(uint64(DefaultMaxFrameBytes)); err != nil {
		t.Fatalf("max length must be accepted: %v", err)
	}
	if err := DefaultLimits().CheckLength(uint64(DefaultMaxFrameBytes) + 1); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadWriteFrameBlocking(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("abc"), DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	got, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if string(got) != "abc" {
		t.Fatalf("payload=%q", got)
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{1, 2}), DefaultLimits()); !errors.Is(err, ErrShortLength) {
		t.Fatalf("expected ErrShortLength, got %v", err)
	}
}

func TestDecodePayloadTooShort(t *testing.T) {
	testlog.Start(t)
	if _, _, err := DecodePayload([]byte{1}); !errors.Is(err, ErrShortPayload) {
		t.Fatalf("expected ErrShortPayload, got %v", err)
	}
	if _, err := EncodePayload(0x10000, nil); !errors.Is(err, ErrMethodIndexRange) {
		t.Fatalf("expected ErrMethodIndexRange, got %v", err)
	}
}

func TestParserGrowsPayloadAsBytesArrive(t *testing.T) {
	testlog.Start(t)
	p := NewParser(DefaultLimits())
	var prefix [LengthPrefixLen]byte
	binary.LittleEndian.PutUint32(prefix[:], DefaultMaxFrameBytes)
	if res, err := p.Feed(prefix[:]); err != nil || res.Status != NeedMore {
		t.Fatalf("prefix: res=%+v err=%v", res, err)
	}
	if c := cap(p.payload); c > initialPayloadCap {
		t.Fatalf("bare prefix reserved %d bytes", c)
	}

	big := bytes.Repeat([]byte{0xAB}, 200<<10)
	p = NewParser(DefaultLimits())
	stream := buildStream(t, big)
	var got []byte
	for i := 0; i < len(stream); i += 4096 {
		end := min(i+4096, len(stream))
		res, err := p.Feed(stream[i:end])
		if err != nil {
			t.Fatalf("feed at %d: %v", i, err)
		}
		if res.Status == FrameComplete {
			got = res.Payload
		}
	}
	if !bytes.Equal(got, big) {
		t.Fatalf("payload mismatch: got %d bytes want %d", len(got), len(big))
	}
}
