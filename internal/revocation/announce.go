package revocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
)

const (
	TransportMock   = "mock"
	TransportGoWaku = "go-waku"
)

// Announcement is the small pubsub message that tells verifiers a new
// list version exists. It carries no list data: receivers fetch the
// handle through the content store and verify it there, so a forged
// announcement can only trigger a refresh, never poison state.
type Announcement struct {
	Channel string `json:"channel"`
	Version int    `json:"version"`
	Handle  string `json:"handle"`
}

type AnnounceConfig struct {
	Transport      string        `yaml:"transport"`
	Port           int           `yaml:"port"`
	BootstrapNodes []string      `yaml:"bootstrapNodes"`
	Channel        string        `yaml:"channel"`
	PublishTimeout time.Duration `yaml:"publishTimeout"`
}

func DefaultAnnounceConfig() AnnounceConfig {
	return AnnounceConfig{
		Transport:      TransportMock,
		Port:           60000,
		PublishTimeout: 5 * time.Second,
	}
}

func (c AnnounceConfig) Validate() error {
	switch c.Transport {
	case TransportMock, TransportGoWaku:
	default:
		return fmt.Errorf("unknown announce transport %q", c.Transport)
	}
	if c.Channel == "" {
		return errors.New("announce channel is required")
	}
	for _, node := range c.BootstrapNodes {
		if _, err := ma.NewMultiaddr(node); err != nil {
			return fmt.Errorf("invalid bootstrap node %q: %w", node, err)
		}
	}
	return nil
}

type announceBackend interface {
	Start(ctx context.Context, cfg AnnounceConfig) error
	Stop()
	Publish(ctx context.Context, raw []byte) error
	Subscribe(handler func(raw []byte)) error
	PeerCount() int
}

// Announcer publishes and receives list-version announcements over the
// gossip transport. The mock backend is an in-process bus; the go-waku
// backend is compiled in with the real_waku build tag.
type Announcer struct {
	mu      sync.Mutex
	cfg     AnnounceConfig
	logger  *slog.Logger
	backend announceBackend
	started bool
}

func NewAnnouncer(cfg AnnounceConfig, logger *slog.Logger) (*Announcer, error) {
	def := DefaultAnnounceConfig()
	if cfg.Transport == "" {
		cfg.Transport = def.Transport
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Announcer{cfg: cfg, logger: logger}, nil
}

func (a *Announcer) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("announcer already started")
	}
	var backend announceBackend
	if a.cfg.Transport == TransportGoWaku {
		backend = newGossipBackend()
		if backend == nil {
			return errors.New("go-waku backend is not available in this build")
		}
	} else {
		backend = newMockBackend(a.cfg.Channel)
	}
	if err := backend.Start(ctx, a.cfg); err != nil {
		return err
	}
	a.backend = backend
	a.started = true
	a.logger.Info("announcer started", "transport", a.cfg.Transport, "channel", a.cfg.Channel)
	return nil
}

func (a *Announcer) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.backend != nil {
		a.backend.Stop()
		a.backend = nil
	}
	a.started = false
}

// Announce publishes a new list version. Callers on the authority side
// invoke it right after a successful publish to the content store.
func (a *Announcer) Announce(ctx context.Context, version int, handle string) error {
	a.mu.Lock()
	backend := a.backend
	cfg := a.cfg
	a.mu.Unlock()
	if backend == nil {
		return errors.New("announcer is not started")
	}
	raw, err := json.Marshal(Announcement{Channel: cfg.Channel, Version: version, Handle: handle})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.PublishTimeout)
	defer cancel()
	return backend.Publish(ctx, raw)
}

// OnAnnouncement registers the receive handler. Malformed or off-channel
// messages are dropped with a log line.
func (a *Announcer) OnAnnouncement(handler func(Announcement)) error {
	a.mu.Lock()
	backend := a.backend
	channel := a.cfg.Channel
	logger := a.logger
	a.mu.Unlock()
	if backend == nil {
		return errors.New("announcer is not started")
	}
	return backend.Subscribe(func(raw []byte) {
		var ann Announcement
		if err := json.Unmarshal(raw, &ann); err != nil {
			logger.Warn("dropping malformed announcement", "reason", err.Error())
			return
		}
		if ann.Channel != channel || ann.Handle == "" || ann.Version < 1 {
			logger.Warn("dropping announcement", "channel", ann.Channel, "version", ann.Version)
			return
		}
		handler(ann)
	})
}

func (a *Announcer) PeerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.backend == nil {
		return 0
	}
	return a.backend.PeerCount()
}
