package rpc

import (
	"sort"

	"github.com/danmuck/nyxrpc/internal/observability"
	"github.com/rs/zerolog/log"
)

// NewChannelHandler receives channels made by a ChannelCreator or client.
type NewChannelHandler interface {
	OnNewChannel(ch *Channel)
}

type NewChannelFunc func(ch *Channel)

func (f NewChannelFunc) OnNewChannel(ch *Channel) { f(ch) }

// ChannelManager tracks live channels by peer address and forgets them on
// disconnect. Loop-only.
type ChannelManager struct {
	channels map[string]*Channel
	metrics  observability.Recorder
	// OnAdd and OnRemove observe membership changes.
	OnAdd    func(ch *Channel)
	OnRemove func(ch *Channel)
}

func NewChannelManager(metrics observability.Recorder) *ChannelManager {
	return &ChannelManager{
		channels: make(map[string]*Channel),
		metrics:  metrics,
	}
}

// OnNewChannel adds ch. A channel already registered for the same peer is
// disconnected and replaced.
func (m *ChannelManager) OnNewChannel(ch *Channel) {
	if !ch.Connected() {
		return
	}
	peer := ch.PeerAddr()
	if old, ok := m.channels[peer]; ok && old != ch {
		log.Warn().Str("peer", peer).Msg("replacing channel for peer")
		old.Disconnect()
	}
	m.channels[peer] = ch
	ch.RegisterListener(ListenerFunc(m.remove))
	m.metrics.LiveChannels(len(m.channels))
	if m.OnAdd != nil {
		m.OnAdd(ch)
	}
}

func (m *ChannelManager) remove(ch *Channel) {
	peer := ch.PeerAddr()
	if cur, ok := m.channels[peer]; !ok || cur != ch {
		return
	}
	delete(m.channels, peer)
	m.metrics.LiveChannels(len(m.channels))
	if m.OnRemove != nil {
		m.OnRemove(ch)
	}
}

func (m *ChannelManager) Get(peer string) (*Channel, bool) {
	ch, ok := m.channels[peer]
	return ch, ok
}

func (m *ChannelManager) Len() int { return len(m.channels) }

// Each visits channels in peer order. fn may disconnect the channel.
func (m *ChannelManager) Each(fn func(ch *Channel)) {
	for _, peer := range m.peers() {
		if ch, ok := m.channels[peer]; ok {
			fn(ch)
		}
	}
}

func (m *ChannelManager) Snapshot() []Info {
	out := make([]Info, 0, len(m.channels))
	m.Each(func(ch *Channel) { out = append(out, ch.Info()) })
	return out
}

// DisconnectAll closes every tracked channel.
func (m *ChannelManager) DisconnectAll() {
	m.Each(func(ch *Channel) { ch.Disconnect() })
}

func (m *ChannelManager) peers() []string {
	peers := make([]string, 0, len(m.channels))
	for peer := range m.channels {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	return peers
}

// ChannelHolder keeps at most one channel and clears itself on disconnect.
type ChannelHolder struct {
	ch  *Channel
	sub *Subscription
}

func (h *ChannelHolder) OnNewChannel(ch *Channel) {
	if h.ch != nil && h.ch != ch {
		prev := h.ch
		h.Clear()
		prev.Disconnect()
	}
	if !ch.Connected() {
		return
	}
	h.ch = ch
	h.sub = ch.RegisterListener(ListenerFunc(func(*Channel) {
		h.ch = nil
		h.sub = nil
	}))
}

func (h *ChannelHolder) Channel() *Channel { return h.ch }

// Clear forgets the held channel without disconnecting it.
func (h *ChannelHolder) Clear() {
	if h.sub != nil {
		h.sub.Unregister()
	}
	h.ch = nil
	h.sub = nil
}
