package distribution

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// fakeGateway serves the mirror layout over one in-memory blob map.
func fakeGateway(t *testing.T, blobs map[string][]byte, latest map[string]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /content/", func(w http.ResponseWriter, r *http.Request) {
		handle := strings.TrimPrefix(r.URL.Path, "/content/")
		data, ok := blobs[handle]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	})
	mux.HandleFunc("GET /latest/", func(w http.ResponseWriter, r *http.Request) {
		channel := strings.TrimPrefix(r.URL.Path, "/latest/")
		handle, ok := latest[channel]
		if !ok {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, handle)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGatewayClientFetchAndLatest(t *testing.T) {
	data := []byte(`{"version":4}`)
	h := Handle(data)
	srv := fakeGateway(t,
		map[string][]byte{h: data},
		map[string]string{"meld-revocations": h})

	c, err := NewGatewayClient([]string{srv.URL}, time.Second, nil)
	if err != nil {
		t.Fatalf("client init failed: %v", err)
	}
	ctx := context.Background()

	latest, err := c.Latest(ctx, "meld-revocations")
	if err != nil || latest != h {
		t.Fatalf("latest mismatch: %q %v", latest, err)
	}
	got, err := c.Fetch(ctx, h)
	if err != nil || string(got) != string(data) {
		t.Fatalf("fetch mismatch: %q %v", got, err)
	}
}

func TestGatewayClientFallsBackToSecondMirror(t *testing.T) {
	data := []byte(`{"version":7}`)
	h := Handle(data)

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(dead.Close)
	good := fakeGateway(t,
		map[string][]byte{h: data},
		map[string]string{"meld-revocations": h})

	c, err := NewGatewayClient([]string{dead.URL, good.URL}, time.Second, nil)
	if err != nil {
		t.Fatalf("client init failed: %v", err)
	}
	got, err := c.Fetch(context.Background(), h)
	if err != nil || string(got) != string(data) {
		t.Fatalf("fetch through fallback mirror failed: %q %v", got, err)
	}
	if latest, err := c.Latest(context.Background(), "meld-revocations"); err != nil || latest != h {
		t.Fatalf("latest through fallback mirror failed: %q %v", latest, err)
	}
}

func TestGatewayClientRejectsTamperedContent(t *testing.T) {
	data := []byte(`{"version":4}`)
	h := Handle(data)
	// The mirror serves different bytes under the requested handle.
	evil := fakeGateway(t, map[string][]byte{h: []byte(`{"version":4,"entries":[]}`)}, nil)

	c, err := NewGatewayClient([]string{evil.URL}, time.Second, nil)
	if err != nil {
		t.Fatalf("client init failed: %v", err)
	}
	if _, err := c.Fetch(context.Background(), h); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
}

func TestGatewayClientRejectsMalformedLatest(t *testing.T) {
	srv := fakeGateway(t, nil, map[string]string{"meld-revocations": "Qm-legacy-cid"})
	c, err := NewGatewayClient([]string{srv.URL}, time.Second, nil)
	if err != nil {
		t.Fatalf("client init failed: %v", err)
	}
	if _, err := c.Latest(context.Background(), "meld-revocations"); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("expected ErrInvalidHandle, got %v", err)
	}
}

func TestGatewayClientRequiresMirrors(t *testing.T) {
	if _, err := NewGatewayClient([]string{" ", ""}, time.Second, nil); err == nil {
		t.Fatal("expected error when no usable gateways remain")
	}
}
