package distribution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const maxBlobSize = 1 << 20 // revocation lists are small; refuse anything bigger

// GatewayClient fetches content through an ordered list of HTTP mirrors.
// Each mirror is tried once per operation, then the failure surfaces to
// the caller; retry policy belongs to the registry's refresh loop.
type GatewayClient struct {
	gateways []string
	client   *http.Client
	logger   *slog.Logger
}

// NewGatewayClient builds a client over mirror base URLs, first entry
// preferred. Expected layout per gateway:
//
//	GET  <base>/content/<handle>
//	GET  <base>/latest/<channel>
//	POST <base>/content            (publish; authority deployments only)
func NewGatewayClient(gateways []string, timeout time.Duration, logger *slog.Logger) (*GatewayClient, error) {
	cleaned := make([]string, 0, len(gateways))
	for _, gw := range gateways {
		gw = strings.TrimRight(strings.TrimSpace(gw), "/")
		if gw != "" {
			cleaned = append(cleaned, gw)
		}
	}
	if len(cleaned) == 0 {
		return nil, errors.New("at least one gateway is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GatewayClient{
		gateways: cleaned,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}, nil
}

func (g *GatewayClient) Publish(ctx context.Context, channel string, data []byte) (string, error) {
	if channel == "" {
		return "", ErrChannelRequired
	}
	handle := Handle(data)
	var lastErr error
	for _, gw := range g.gateways {
		url := fmt.Sprintf("%s/content?channel=%s", gw, channel)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := g.client.Do(req)
		if err != nil {
			lastErr = err
			g.logger.Warn("gateway publish failed", "gateway", gw, "reason", err.Error())
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			lastErr = fmt.Errorf("gateway returned %s", resp.Status)
			g.logger.Warn("gateway publish rejected", "gateway", gw, "status", resp.Status)
			continue
		}
		return handle, nil
	}
	return "", fmt.Errorf("publish failed on all gateways: %w", lastErr)
}

func (g *GatewayClient) Fetch(ctx context.Context, handle string) ([]byte, error) {
	var lastErr error
	for _, gw := range g.gateways {
		data, err := g.get(ctx, gw+"/content/"+handle)
		if err != nil {
			lastErr = err
			g.logger.Warn("gateway fetch failed", "gateway", gw, "reason", err.Error())
			continue
		}
		// Content addressing makes mirrors untrusted: verify before use.
		if err := VerifyHandle(handle, data); err != nil {
			lastErr = err
			g.logger.Warn("gateway served tampered content", "gateway", gw)
			continue
		}
		return data, nil
	}
	return nil, fmt.Errorf("fetch failed on all gateways: %w", lastErr)
}

func (g *GatewayClient) Latest(ctx context.Context, channel string) (string, error) {
	if channel == "" {
		return "", ErrChannelRequired
	}
	var lastErr error
	for _, gw := range g.gateways {
		data, err := g.get(ctx, gw+"/latest/"+channel)
		if err != nil {
			lastErr = err
			g.logger.Warn("gateway latest lookup failed", "gateway", gw, "reason", err.Error())
			continue
		}
		handle := strings.TrimSpace(string(data))
		if !strings.HasPrefix(handle, handlePrefix) {
			lastErr = fmt.Errorf("%w: %q", ErrInvalidHandle, handle)
			continue
		}
		return handle, nil
	}
	return "", fmt.Errorf("latest lookup failed on all gateways: %w", lastErr)
}

func (g *GatewayClient) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("gateway returned %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBlobSize))
}
