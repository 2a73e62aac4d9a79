package rpc

import (
	"math/rand"
	"time"

	"github.com/danmuck/nyxrpc/internal/protocol/session"
	"github.com/danmuck/nyxrpc/internal/reactor"
	"github.com/rs/zerolog/log"
)

// Reconnector keeps one outbound channel alive: failed attempts and
// disconnects schedule the next Connect after a backoff delay.
type Reconnector struct {
	loop      Loop
	client    *ChannelClient
	backoff   *session.Backoff
	timeout   time.Duration
	onChannel func(*Channel)

	running bool
	timer   *reactor.Timer
	sub     *Subscription
	channel *Channel
}

func NewReconnector(loop Loop, client *ChannelClient, cfg session.BackoffConfig, timeout time.Duration, onChannel func(*Channel)) *Reconnector {
	return &Reconnector{
		loop:      loop,
		client:    client,
		backoff:   session.NewBackoff(cfg, rand.New(rand.NewSource(time.Now().UnixNano()))),
		timeout:   timeout,
		onChannel: onChannel,
	}
}

func (r *Reconnector) Client() *ChannelClient { return r.client }

// Channel is the live channel, nil between connections.
func (r *Reconnector) Channel() *Channel { return r.channel }

func (r *Reconnector) Attempts() int { return r.backoff.Attempts() }

// Start connects immediately. Call on the loop.
func (r *Reconnector) Start() {
	if r.running {
		return
	}
	r.running = true
	r.attempt()
}

// Stop cancels pending work and disconnects the live channel.
func (r *Reconnector) Stop() {
	if !r.running {
		return
	}
	r.running = false
	if r.timer != nil {
		r.timer.Cancel()
		r.timer = nil
	}
	r.client.Reset("")
	if r.sub != nil {
		r.sub.Unregister()
		r.sub = nil
	}
	if r.channel != nil {
		r.channel.Disconnect()
		r.channel = nil
	}
}

func (r *Reconnector) attempt() {
	r.timer = nil
	if !r.running {
		return
	}
	if r.client.State() != ClientInit {
		r.client.Reset("")
	}
	err := r.client.Connect(r.timeout, func(ch *Channel, err error) {
		if !r.running {
			if ch != nil {
				ch.Disconnect()
			}
			return
		}
		if err != nil {
			r.schedule(err)
			return
		}
		r.backoff.Reset()
		r.channel = ch
		r.sub = ch.RegisterListener(ListenerFunc(func(*Channel) {
			r.channel = nil
			r.sub = nil
			if r.running {
				r.schedule(ch.Err())
			}
		}))
		if r.onChannel != nil {
			r.onChannel(ch)
		}
	})
	if err != nil {
		r.schedule(err)
	}
}

func (r *Reconnector) schedule(cause error) {
	delay := r.backoff.Next()
	log.Info().
		Str("peer", r.client.Addr()).
		Int("attempt", r.backoff.Attempts()).
		Dur("delay", delay).
		Err(cause).
		Msg("reconnect scheduled")
	r.timer = r.loop.AddTimer(delay, r.attempt)
}
