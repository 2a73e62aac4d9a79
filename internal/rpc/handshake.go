package rpc

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/nyxrpc/internal/auth"
	"github.com/danmuck/nyxrpc/internal/protocol/tlv"
	"github.com/danmuck/nyxrpc/internal/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Handshake method names. RegisterHandshake gives them indices 0..2.
const (
	HelloMethod    = "__hello"
	HelloAckMethod = "__hello_ack"
	ConfirmMethod  = "__confirm"
)

const (
	fieldPublicKey uint16 = 1
	fieldToken     uint16 = 2
	fieldSeed      uint16 = 3
)

const (
	keyLen   = 32
	nonceLen = 12
)

var kdfInfo = []byte("nyxrpc session v1")

var (
	ErrHandshakeNotRegistered = errors.New("rpc: handshake methods not registered")
	ErrHandshakeOrder         = errors.New("rpc: handshake methods must be registered first")
	ErrHandshakeRequired      = errors.New("rpc: call before handshake completed")
	ErrHandshakeState         = errors.New("rpc: unexpected handshake message")
	ErrHandshakeRejected      = errors.New("rpc: handshake rejected")
)

// HandshakeConfig enables the X25519 key exchange on a channel. Clients
// present Token; servers check it with Validator (nil denies every peer).
type HandshakeConfig struct {
	Token     string
	Validator auth.Validator
	Rand      io.Reader
}

type hsStage int

const (
	stageStart hsStage = iota
	stageAwaitAck
	stageAwaitHello
	stageAwaitConfirm
	stageDone
)

type handshake struct {
	role       Role
	cfg        HandshakeConfig
	stage      hsStage
	priv       [curve25519.ScalarSize]byte
	seed       uint64
	pendingEnc cipher.Stream
	done       bool
}

func newHandshake(role Role, cfg HandshakeConfig) *handshake {
	h := &handshake{role: role, cfg: cfg, stage: stageStart}
	if role == RoleServer {
		h.stage = stageAwaitHello
	}
	return h
}

// RegisterHandshake registers the key exchange methods. It must run on an
// empty service so both peers agree on their indices.
func RegisterHandshake(svc *Service) error {
	if svc.Len() != 0 {
		return ErrHandshakeOrder
	}
	for _, m := range []Method{
		{Name: HelloMethod, Raw: onHello},
		{Name: HelloAckMethod, Raw: onHelloAck},
		{Name: ConfirmMethod, Raw: onConfirm},
	} {
		m.fatal = true
		m.handshake = true
		if _, err := svc.Register(m); err != nil {
			return err
		}
	}
	return nil
}

func (h *handshake) rand() io.Reader {
	if h.cfg.Rand != nil {
		return h.cfg.Rand
	}
	return rand.Reader
}

func (h *handshake) keypair() ([]byte, error) {
	if _, err := io.ReadFull(h.rand(), h.priv[:]); err != nil {
		return nil, fmt.Errorf("rpc: handshake key: %w", err)
	}
	return curve25519.X25519(h.priv[:], curve25519.Basepoint)
}

// deriveKeys returns the session key and the client->server and
// server->client nonces.
func (h *handshake) deriveKeys(peerPub []byte, seed uint64) (key, c2s, s2c []byte, err error) {
	shared, err := curve25519.X25519(h.priv[:], peerPub)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %w", ErrHandshakeRejected, err)
	}
	salt := binary.LittleEndian.AppendUint64(nil, seed)
	out := make([]byte, keyLen+2*nonceLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, kdfInfo), out); err != nil {
		return nil, nil, nil, err
	}
	return out[:keyLen], out[keyLen : keyLen+nonceLen], out[keyLen+nonceLen:], nil
}

func (h *handshake) sendHello(ch *Channel) error {
	pub, err := h.keypair()
	if err != nil {
		return err
	}
	idx, _ := ch.svc.Index(HelloMethod)
	body := tlv.Encode(
		tlv.Bytes(fieldPublicKey, pub),
		tlv.String(fieldToken, h.cfg.Token),
	)
	if err := ch.send(idx, body, true); err != nil {
		return err
	}
	h.stage = stageAwaitAck
	return nil
}

func (h *handshake) finish(ch *Channel) error {
	h.stage = stageDone
	h.done = true
	h.pendingEnc = nil
	log.Debug().Str("peer", ch.peer).Str("role", h.role.String()).Uint64("seed", h.seed).Msg("handshake complete")
	return ch.flushHeld()
}

func expect(ch *Channel, role Role, stage hsStage) (*handshake, error) {
	h := ch.hs
	if h == nil || h.role != role || h.stage != stage {
		return nil, ErrHandshakeState
	}
	return h, nil
}

// onHello runs on the server: check the token, install the decrypter and
// answer in plaintext.
func onHello(ctl *Controller, body []byte) error {
	ch := ctl.Channel()
	h, err := expect(ch, RoleServer, stageAwaitHello)
	if err != nil {
		return fmt.Errorf("%w: %s", err, HelloMethod)
	}
	fields, err := tlv.Decode(body)
	if err != nil {
		return err
	}
	peerPub, err := fields.Bytes(fieldPublicKey)
	if err != nil {
		return err
	}
	token, err := fields.Text(fieldToken)
	if err != nil {
		return err
	}
	if h.cfg.Validator == nil {
		return ErrHandshakeRejected
	}
	if err := h.cfg.Validator.Validate(token); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeRejected, err)
	}

	pub, err := h.keypair()
	if err != nil {
		return err
	}
	var seedBuf [8]byte
	if _, err := io.ReadFull(h.rand(), seedBuf[:]); err != nil {
		return err
	}
	h.seed = binary.LittleEndian.Uint64(seedBuf[:])
	key, c2s, s2c, err := h.deriveKeys(peerPub, h.seed)
	if err != nil {
		return err
	}
	enc, dec, err := transport.NewChaChaCrypter(key, s2c, c2s)
	if err != nil {
		return err
	}
	ch.conn.Decorator().SetDecrypter(dec)
	h.pendingEnc = enc
	ch.seed = h.seed

	idx, _ := ch.svc.Index(HelloAckMethod)
	ack := tlv.Encode(
		tlv.Bytes(fieldPublicKey, pub),
		tlv.U64(fieldSeed, h.seed),
	)
	if err := ch.send(idx, ack, true); err != nil {
		return err
	}
	h.stage = stageAwaitConfirm
	return nil
}

// onHelloAck runs on the client: install both ciphers and confirm.
func onHelloAck(ctl *Controller, body []byte) error {
	ch := ctl.Channel()
	h, err := expect(ch, RoleClient, stageAwaitAck)
	if err != nil {
		return fmt.Errorf("%w: %s", err, HelloAckMethod)
	}
	fields, err := tlv.Decode(body)
	if err != nil {
		return err
	}
	peerPub, err := fields.Bytes(fieldPublicKey)
	if err != nil {
		return err
	}
	seed, err := fields.U64(fieldSeed)
	if err != nil {
		return err
	}
	key, c2s, s2c, err := h.deriveKeys(peerPub, seed)
	if err != nil {
		return err
	}
	enc, dec, err := transport.NewChaChaCrypter(key, c2s, s2c)
	if err != nil {
		return err
	}
	ch.conn.SetCrypter(enc, dec)
	h.seed = seed
	ch.seed = seed

	idx, _ := ch.svc.Index(ConfirmMethod)
	confirm := tlv.Encode(tlv.U64(fieldSeed, seed))
	if err := ch.send(idx, confirm, true); err != nil {
		return err
	}
	return h.finish(ch)
}

// onConfirm runs on the server once the client encrypts.
func onConfirm(ctl *Controller, body []byte) error {
	ch := ctl.Channel()
	h, err := expect(ch, RoleServer, stageAwaitConfirm)
	if err != nil {
		return fmt.Errorf("%w: %s", err, ConfirmMethod)
	}
	fields, err := tlv.Decode(body)
	if err != nil {
		return err
	}
	seed, err := fields.U64(fieldSeed)
	if err != nil {
		return err
	}
	if seed != h.seed {
		return fmt.Errorf("%w: seed mismatch", ErrHandshakeRejected)
	}
	ch.conn.Decorator().SetEncrypter(h.pendingEnc)
	return h.finish(ch)
}
