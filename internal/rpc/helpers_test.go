package rpc

import (
	"testing"
	"time"

	"github.com/danmuck/nyxrpc/internal/reactor"
	"github.com/danmuck/nyxrpc/internal/transport"
)

type call struct {
	index uint16
	body  string
}

func startLoop(t *testing.T) *reactor.Reactor {
	t.Helper()
	r := reactor.New(reactor.Options{PollInterval: 5 * time.Millisecond})
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run() }()
	t.Cleanup(func() {
		r.Stop()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Errorf("reactor did not stop")
		}
	})
	return r
}

func onLoop(t *testing.T, r *reactor.Reactor, fn func()) {
	t.Helper()
	if err := r.Call(fn); err != nil {
		t.Fatalf("loop call: %v", err)
	}
}

// rawService registers the same table on both peers: zero, ping, pong,
// boom (panics) and fail (SetFailed).
func rawService(got chan<- call) *Service {
	svc := NewService("test")
	rec := func(ctl *Controller, body []byte) error {
		got <- call{index: ctl.Index(), body: string(body)}
		return nil
	}
	svc.MustRegister(Method{Name: "zero"})
	svc.MustRegister(Method{Name: "ping", Raw: rec})
	svc.MustRegister(Method{Name: "pong", Raw: rec})
	svc.MustRegister(Method{Name: "boom", Raw: func(*Controller, []byte) error { panic("boom") }})
	svc.MustRegister(Method{Name: "fail", Raw: func(ctl *Controller, _ []byte) error {
		ctl.SetFailed("nope")
		return nil
	}})
	return svc
}

func pipeChannels(t *testing.T, r *reactor.Reactor, svc *Service, topts transport.Options) (*Channel, *Channel) {
	t.Helper()
	return pipeChannelsWith(t, r, svc, topts, ChannelOptions{})
}

// pipeChannelsWith opens both ends with copts; roles are filled in.
func pipeChannelsWith(t *testing.T, r *reactor.Reactor, svc *Service, topts transport.Options, copts ChannelOptions) (*Channel, *Channel) {
	t.Helper()
	var a, b *Channel
	onLoop(t, r, func() {
		ca, cb := transport.Pipe(r, r, topts)
		client, server := copts, copts
		client.Role, server.Role = RoleClient, RoleServer
		var err error
		if a, err = NewChannel(svc, ca, client); err != nil {
			t.Errorf("channel a: %v", err)
			return
		}
		if ca.Attached() != a {
			t.Errorf("connection not attached to its channel")
		}
		if b, err = NewChannel(svc, cb, server); err != nil {
			t.Errorf("channel b: %v", err)
		}
	})
	if a == nil || b == nil {
		t.FailNow()
	}
	return a, b
}

func expectCall(t *testing.T, got <-chan call, want call) {
	t.Helper()
	select {
	case c := <-got:
		if c != want {
			t.Fatalf("got call %+v want %+v", c, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("call %+v never dispatched", want)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
