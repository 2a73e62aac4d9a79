package rpc

import (
	"errors"
	"fmt"

	"github.com/danmuck/nyxrpc/internal/codec"
	"google.golang.org/protobuf/proto"
)

var (
	ErrDuplicateMethod = errors.New("rpc: duplicate method name")
	ErrTooManyMethods  = errors.New("rpc: method table full")
	ErrInvalidMethod   = errors.New("rpc: invalid method")
	ErrUnknownMethod   = errors.New("rpc: unknown method")
)

// MaxMethods caps a table at 65535 entries; index 0xFFFF is never assigned.
const MaxMethods = 0xFFFF

// Handler serves a typed request. A non-nil response is sent back through
// the method's Reply method when one is named.
type Handler func(ctl *Controller, req proto.Message) (proto.Message, error)

// RawHandler serves the undecoded message body.
type RawHandler func(ctl *Controller, body []byte) error

// Method is one entry of a service's registration table. A method without
// a handler can still be called; inbound calls to it are dropped.
type Method struct {
	Name       string
	NewRequest func() proto.Message
	Handler    Handler
	Raw        RawHandler
	Reply      string

	index uint16
	// fatal handler errors close the channel instead of being dropped.
	fatal     bool
	handshake bool
}

func (m *Method) Index() uint16 { return m.index }

// Service is the ordered method table both peers must register identically.
// It is built at startup and read-only afterwards.
type Service struct {
	name    string
	codec   codec.Codec
	methods []*Method
	byName  map[string]uint16
}

func NewService(name string) *Service {
	return &Service{
		name:   name,
		codec:  codec.Default,
		byName: make(map[string]uint16),
	}
}

func (s *Service) Name() string { return s.name }

func (s *Service) SetCodec(c codec.Codec) {
	if c != nil {
		s.codec = c
	}
}

func (s *Service) Codec() codec.Codec { return s.codec }

// Register appends m and returns its wire index.
func (s *Service) Register(m Method) (uint16, error) {
	if m.Name == "" {
		return 0, fmt.Errorf("%w: empty name", ErrInvalidMethod)
	}
	if m.Handler != nil && m.NewRequest == nil {
		return 0, fmt.Errorf("%w: %s has a handler but no request constructor", ErrInvalidMethod, m.Name)
	}
	if _, ok := s.byName[m.Name]; ok {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateMethod, m.Name)
	}
	if len(s.methods) >= MaxMethods {
		return 0, fmt.Errorf("%w: %s", ErrTooManyMethods, m.Name)
	}
	idx := uint16(len(s.methods))
	m.index = idx
	s.methods = append(s.methods, &m)
	s.byName[m.Name] = idx
	return idx, nil
}

func (s *Service) MustRegister(m Method) uint16 {
	idx, err := s.Register(m)
	if err != nil {
		panic(err)
	}
	return idx
}

func (s *Service) Lookup(index uint16) (*Method, bool) {
	if int(index) >= len(s.methods) {
		return nil, false
	}
	return s.methods[index], true
}

func (s *Service) Index(name string) (uint16, bool) {
	idx, ok := s.byName[name]
	return idx, ok
}

func (s *Service) Len() int { return len(s.methods) }

// Methods lists method names in index order.
func (s *Service) Methods() []string {
	out := make([]string, len(s.methods))
	for i, m := range s.methods {
		out[i] = m.Name
	}
	return out
}
