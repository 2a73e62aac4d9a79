package frame

import "encoding/binary"

// Status is the outcome of one Parser.Feed call.
type Status int

const (
	NeedMore Status = iota
	FrameComplete
	ProtocolError
)

func (s Status) String() string {
	switch s {
	case NeedMore:
		return "need_more"
	case FrameComplete:
		return "frame_complete"
	case ProtocolError:
		return "protocol_error"
	default:
		return "unknown"
	}
}

type parserState int

// initialPayloadCap bounds what a bare length prefix can make the parser
// allocate; larger payloads grow as their bytes arrive.
const initialPayloadCap = 64 << 10

const (
	awaitingLength parserState = iota
	awaitingPayload
)

// Result reports what Feed did with its input. N is the number of bytes
// consumed; the caller re-feeds data[N:] while Status is FrameComplete.
type Result struct {
	Status  Status
	Payload []byte
	N       int
}

// Parser incrementally decodes length-prefixed frames from an arbitrarily
// chunked byte stream. Partial length prefixes and partial payloads survive
// across Feed calls. A Parser is not safe for concurrent use.
type Parser struct {
	limits   Limits
	state    parserState
	lenBuf   [LengthPrefixLen]byte
	lenHave  int
	declared uint32
	payload  []byte
	err      error
}

func NewParser(limits Limits) *Parser {
	return &Parser{limits: limits.withDefaults()}
}

// SetLimits changes the limits applied to the next length prefix.
func (p *Parser) SetLimits(limits Limits) {
	p.limits = limits.withDefaults()
}

func (p *Parser) Limits() Limits {
	return p.limits
}

// Feed consumes data until one frame completes, the input is exhausted or
// the stream is rejected. After a ProtocolError the parser stays poisoned.
func (p *Parser) Feed(data []byte) (Result, error) {
	if p.err != nil {
		return Result{Status: ProtocolError}, p.err
	}
	i := 0
	for i < len(data) {
		switch p.state {
		case awaitingLength:
			n := copy(p.lenBuf[p.lenHave:], data[i:])
			p.lenHave += n
			i += n
			if p.lenHave < LengthPrefixLen {
				continue
			}
			declared := binary.LittleEndian.Uint32(p.lenBuf[:])
			if err := p.limits.CheckLength(uint64(declared)); err != nil {
				p.err = err
				return Result{Status: ProtocolError, N: i}, err
			}
			p.declared = declared
			p.payload = make([]byte, 0, min(int(declared), initialPayloadCap))
			p.state = awaitingPayload
		case awaitingPayload:
			need := int(p.declared) - len(p.payload)
			take := len(data) - i
			if take > need {
				take = need
			}
			p.payload = append(p.payload, data[i:i+take]...)
			i += take
			if len(p.payload) == int(p.declared) {
				out := p.payload
				p.resetState()
				return Result{Status: FrameComplete, Payload: out, N: i}, nil
			}
		}
	}
	return Result{Status: NeedMore, N: i}, nil
}

// FeedAll feeds data to completion and calls fn for every frame in order.
// It stops at the first protocol error or the first error returned by fn.
func (p *Parser) FeedAll(data []byte, fn func(payload []byte) error) error {
	for len(data) > 0 {
		res, err := p.Feed(data)
		if err != nil {
			return err
		}
		data = data[res.N:]
		if res.Status != FrameComplete {
			return nil
		}
		if err := fn(res.Payload); err != nil {
			return err
		}
	}
	return nil
}

// Buffered is the number of bytes held for the frame in progress.
func (p *Parser) Buffered() int {
	if p.state == awaitingLength {
		return p.lenHave
	}
	return LengthPrefixLen + len(p.payload)
}

// Reset discards any partial frame and clears a poisoned parser.
func (p *Parser) Reset() {
	p.resetState()
	p.err = nil
}

func (p *Parser) resetState() {
	p.state = awaitingLength
	p.lenHave = 0
	p.declared = 0
	p.payload = nil
}
