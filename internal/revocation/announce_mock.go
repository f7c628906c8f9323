package revocation

import (
	"context"
	"sync"
)

// announceBus is the in-process fan-out used by the mock transport.
// Process-global so an authority and several verifiers in one test
// binary see each other, matching how the real gossip mesh behaves.
type announceBus struct {
	mu          sync.Mutex
	subscribers map[string][]func([]byte)
}

var globalAnnounceBus = &announceBus{subscribers: make(map[string][]func([]byte))}

func (b *announceBus) publish(channel string, raw []byte) {
	b.mu.Lock()
	handlers := append([]func([]byte){}, b.subscribers[channel]...)
	b.mu.Unlock()
	for _, h := range handlers {
		go h(raw)
	}
}

func (b *announceBus) subscribe(channel string, handler func([]byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], handler)
}

type mockBackend struct {
	channel string
}

func newMockBackend(channel string) *mockBackend {
	return &mockBackend{channel: channel}
}

func (m *mockBackend) Start(context.Context, AnnounceConfig) error { return nil }
func (m *mockBackend) Stop()                                       {}

func (m *mockBackend) Publish(_ context.Context, raw []byte) error {
	globalAnnounceBus.publish(m.channel, raw)
	return nil
}

func (m *mockBackend) Subscribe(handler func([]byte)) error {
	globalAnnounceBus.subscribe(m.channel, handler)
	return nil
}

func (m *mockBackend) PeerCount() int { return 1 }
