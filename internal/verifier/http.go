package verifier

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"meld/authcore/internal/authchallenge"
	"meld/authcore/internal/chip"
	"meld/authcore/internal/platform/metrics"
	"meld/authcore/internal/platform/ratelimiter"
)

const maxBodySize = 64 << 10

// Server is the verifier's HTTP face: challenge issuance, verification,
// the tap landing endpoint and operational surfaces.
type Server struct {
	svc       *Service
	router    *mux.Router
	ipLimiter *ratelimiter.MapLimiter
	logger    *slog.Logger
}

type ServerConfig struct {
	// PerIPRPS / PerIPBurst configure transport-level throttling in
	// front of the handlers. Zero disables it.
	PerIPRPS   float64
	PerIPBurst int
	Logger     *slog.Logger
}

func NewServer(svc *Service, cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		svc:       svc,
		ipLimiter: ratelimiter.NewMapLimiter(cfg.PerIPRPS, cfg.PerIPBurst, 10*time.Minute),
		logger:    cfg.Logger,
	}
	r := mux.NewRouter()
	r.Use(metrics.HTTPMiddleware, s.limitByIP)
	r.HandleFunc("/challenge", s.handleChallenge).Methods(http.MethodPost)
	r.HandleFunc("/verify", s.handleVerify).Methods(http.MethodPost)
	r.HandleFunc("/nfc", s.handleTap).Methods(http.MethodGet)
	r.HandleFunc("/revocations/status", s.handleRevocationStatus).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Serve blocks until ctx ends, then shuts the listener down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) limitByIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ipLimiter.Allow(clientIP(r), time.Now()) {
			metrics.RateLimitDrop("ip")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"status": StatusRejected,
				"code":   string(authchallenge.RejectRateLimited),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type challengeRequest struct {
	ChipUID  string `json:"chip_uid"`
	Audience string `json:"aud,omitempty"`
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := decodeBody(r, &req); err != nil {
		writeDecision(w, Decision{Status: StatusRejected, Code: string(authchallenge.RejectSchemaInvalid), Reason: err.Error()})
		return
	}
	ch, rejected := s.svc.IssueChallenge(req.ChipUID, req.Audience)
	if rejected != nil {
		writeDecision(w, *rejected)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

type verifyRequest struct {
	DID       string                  `json:"did"`
	ChipUID   string                  `json:"chip_uid,omitempty"`
	Challenge authchallenge.Challenge `json:"challenge"`
	Signature string                  `json:"signature"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeBody(r, &req); err != nil {
		writeDecision(w, Decision{Status: StatusRejected, Code: string(authchallenge.RejectSchemaInvalid), Reason: err.Error()})
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		writeDecision(w, Decision{
			Status: StatusRejected,
			Code:   string(authchallenge.RejectSignatureInvalid),
			Reason: "signature is not valid base64",
		})
		return
	}
	d := s.svc.Verify(r.Context(), Request{
		DID:       req.DID,
		ChipUID:   req.ChipUID,
		Challenge: req.Challenge,
		Signature: sig,
	})
	writeDecision(w, d)
}

// handleTap serves the URL programmed into the chip. It validates the
// query parameters and answers with a fresh challenge so a tap flows
// straight into signing.
func (s *Server) handleTap(w http.ResponseWriter, r *http.Request) {
	did := r.URL.Query().Get("did")
	chipUID := chip.NormalizeUID(r.URL.Query().Get("chipUID"))
	if did == "" || !chip.ValidUID(chipUID) {
		writeDecision(w, Decision{
			Status: StatusRejected,
			Code:   string(authchallenge.RejectSchemaInvalid),
			Reason: "did and chipUID query parameters are required",
		})
		return
	}
	ch, rejected := s.svc.IssueChallenge(chipUID, did)
	if rejected != nil {
		writeDecision(w, *rejected)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleRevocationStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.RevocationStatus())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	var extra any
	if err := dec.Decode(&extra); err == nil {
		return errors.New("unexpected trailing json tokens")
	} else if !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeDecision(w http.ResponseWriter, d Decision) {
	status := http.StatusOK
	switch d.Code {
	case string(authchallenge.RejectRateLimited):
		status = http.StatusTooManyRequests
		if d.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Round(time.Second)/time.Second)+1))
		}
	case "":
	default:
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, d)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
