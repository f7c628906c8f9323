//go:build real_waku

package revocation

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"
)

const (
	announcePubsubTopic  = "/waku/2/default-waku/proto"
	announceContentTopic = "/meld/1/revocation-announce/proto"
)

type gossipNode struct {
	mu   sync.RWMutex
	node *wakuNode.WakuNode
}

func newGossipBackend() announceBackend {
	return &gossipNode{}
}

func (g *gossipNode) Start(ctx context.Context, cfg AnnounceConfig) error {
	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return err
	}
	node, err := wakuNode.New(
		wakuNode.WithHostAddress(hostAddr),
		wakuNode.WithWakuRelay(),
	)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}
	for _, addr := range cfg.BootstrapNodes {
		_ = node.DialPeer(ctx, addr)
	}
	g.mu.Lock()
	g.node = node
	g.mu.Unlock()
	return nil
}

func (g *gossipNode) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.node != nil {
		g.node.Stop()
		g.node = nil
	}
}

func (g *gossipNode) Publish(ctx context.Context, raw []byte) error {
	g.mu.RLock()
	node := g.node
	g.mu.RUnlock()
	if node == nil {
		return errors.New("go-waku node is nil")
	}
	ts := time.Now().UnixNano()
	wm := &wpb.WakuMessage{
		Payload:      raw,
		ContentTopic: announceContentTopic,
		Timestamp:    &ts,
	}
	_, err := node.Relay().Publish(ctx, wm, relay.WithPubSubTopic(announcePubsubTopic))
	return err
}

func (g *gossipNode) Subscribe(handler func(raw []byte)) error {
	g.mu.RLock()
	node := g.node
	g.mu.RUnlock()
	if node == nil {
		return errors.New("go-waku node is nil")
	}
	filter := protocol.NewContentFilter(announcePubsubTopic, announceContentTopic)
	subs, err := node.Relay().Subscribe(context.Background(), filter)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		go func(subscription *relay.Subscription) {
			for env := range subscription.Ch {
				if env == nil || env.Message() == nil {
					continue
				}
				handler(env.Message().Payload)
			}
		}(sub)
	}
	return nil
}

func (g *gossipNode) PeerCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.node == nil {
		return 0
	}
	return g.node.PeerCount()
}
