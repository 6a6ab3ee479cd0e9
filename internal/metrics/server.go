package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "courier/pkg/logx"
)

// Server exposes /metrics (Prometheus) and /stats (JSON snapshot) on a
// dedicated listener, normally bound to loopback.
type Server struct {
	mon  *Monitor
	reg  *prometheus.Registry
	log  logx.Logger
	addr string
}

func NewServer(mon *Monitor, addr string, log logx.Logger) (*Server, error) {
	if strings.TrimSpace(addr) == "" {
		addr = "127.0.0.1:9109"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	reg := prometheus.NewRegistry()
	if err := mon.Register(reg); err != nil {
		return nil, err
	}
	return &Server{mon: mon, reg: reg, log: log, addr: addr}, nil
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.mon.GetSnapshot())
	})

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("metrics listener started", logx.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
