package main

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"sync/atomic"
	"time"
)

type healthPayload struct {
	Status      string  `json:"status"`
	ErrorRate   float64 `json:"error_rate"`
	RequestRate float64 `json:"request_rate"`
}

type governanceRequest struct {
	Playbook         string `json:"playbook"`
	Component        string `json:"component"`
	RequiresApproval bool   `json:"requires_approval"`
}

type signRequest struct {
	KeyID   string `json:"key_id"`
	Payload string `json:"payload"`
}

// mockService degrades on a fixed schedule so the watchdog has something to
// predict: latency climbs after warmup, errors follow, then the health
// endpoint starts failing.
type mockService struct {
	requests atomic.Int64
	warmup   int64
	failAt   int64
}

func (m *mockService) health(w http.ResponseWriter, _ *http.Request) {
	n := m.requests.Add(1)
	payload := healthPayload{Status: "ok", RequestRate: 120}

	if n > m.warmup {
		step := n - m.warmup
		time.Sleep(time.Duration(step*150) * time.Millisecond)
		payload.ErrorRate = float64(step) * 0.02
		payload.Status = "degraded"
	}
	if m.failAt > 0 && n >= m.failAt {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, payload)
}

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	warmup := flag.Int64("warmup", 12, "healthy probes before degrading")
	failAt := flag.Int64("fail-at", 20, "probe count at which health returns 503 (0 = never)")
	deny := flag.Bool("deny-approval", false, "governance mock denies approval playbooks")
	flag.Parse()

	svc := &mockService{warmup: *warmup, failAt: *failAt}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", svc.health)

	mux.HandleFunc("/v1/governance/check", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req governanceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		allowed := !(req.RequiresApproval && *deny)
		reason := ""
		if !allowed {
			reason = "change freeze in effect"
		}
		writeJSON(w, map[string]any{"allowed": allowed, "reason": reason})
	})

	mux.HandleFunc("/v1/sign", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req signRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		sum := sha256.Sum256([]byte(req.KeyID + ":" + req.Payload))
		writeJSON(w, map[string]any{"signature": base64.StdEncoding.EncodeToString(sum[:])})
	})

	logger := log.New(log.Writer(), "mock-service ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    *addr,
		Handler: logRequests(logger, mux),
	}

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
