package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/debridge-finance/dln-indexer/internal/analytics"
	"github.com/debridge-finance/dln-indexer/internal/config"
)

type Service struct {
	cfg              config.APIServerConfig
	logger           *slog.Logger
	sink             *analytics.Sink
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
}

func New(cfg config.APIServerConfig, logger *slog.Logger) (*Service, error) {
	sink, err := analytics.New(cfg.ClickHouseHost, cfg.ClickHouseDatabase, cfg.ClickHouseUser, cfg.ClickHousePassword)
	if err != nil {
		return nil, fmt.Errorf("init analytics sink: %w", err)
	}

	allowAllOrigins := false
	allowedOriginSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAllOrigins = true
			continue
		}
		allowedOriginSet[trimmed] = struct{}{}
	}
	if len(allowedOriginSet) == 0 && !allowAllOrigins {
		allowAllOrigins = true
	}

	return &Service{
		cfg:              cfg,
		logger:           logger,
		sink:             sink,
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.sink.Close(); err != nil {
			s.logger.Error("failed to close analytics sink", "err", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/volume/daily", s.handleVolumeDaily)
	mux.HandleFunc("/v1/volume/range", s.handleVolumeRange)
	mux.HandleFunc("/v1/orders/count", s.handleOrdersCount)

	handler := s.withCORS(mux)
	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("api-server started",
		"listen_addr", s.cfg.ListenAddr,
		"db_driver", "clickhouse",
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("api-server stopping")
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown api-server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

type healthResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type volumeResponse struct {
	Points []analytics.DailyVolumePoint `json:"points"`
}

type orderCountResponse struct {
	EventType string `json:"event_type"`
	Count     int64  `json:"count"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

// handleVolumeDaily serves the daily aggregate volume for one event type, or
// summed over both types when event_type is omitted, defaulting to the full
// recorded range when from/to are omitted.
func (s *Service) handleVolumeDaily(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	eventType, err := parseEventType(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	from := strings.TrimSpace(r.URL.Query().Get("from"))
	to := strings.TrimSpace(r.URL.Query().Get("to"))

	points, err := s.sink.DailyVolume(r.Context(), analytics.VolumeFilter{
		EventType: eventType,
		From:      from,
		To:        to,
	})
	if err != nil {
		s.logger.Error("daily volume query failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to query daily volume")
		return
	}

	s.respondJSON(w, http.StatusOK, volumeResponse{Points: points})
}

// handleVolumeRange reports the earliest and latest day with recorded
// volume, so callers can build a from/to for handleVolumeDaily.
func (s *Service) handleVolumeRange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	from, to, err := s.sink.DefaultRange(r.Context())
	if err != nil {
		s.logger.Error("default range query failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to query volume range")
		return
	}

	s.respondJSON(w, http.StatusOK, struct {
		From string `json:"from"`
		To   string `json:"to"`
	}{From: from, To: to})
}

func (s *Service) handleOrdersCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	eventType, err := parseEventType(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if eventType == "" {
		s.respondError(w, http.StatusBadRequest, "event_type is required")
		return
	}

	count, err := s.sink.OrderCount(r.Context(), eventType)
	if err != nil {
		s.logger.Error("order count query failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to query order count")
		return
	}

	s.respondJSON(w, http.StatusOK, orderCountResponse{EventType: string(eventType), Count: count})
}

func parseEventType(r *http.Request) (analytics.EventType, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("event_type"))
	switch raw {
	case "":
		return "", nil
	case string(analytics.EventCreated):
		return analytics.EventCreated, nil
	case string(analytics.EventFulfilled):
		return analytics.EventFulfilled, nil
	default:
		return "", fmt.Errorf("invalid event_type: %s", raw)
	}
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			allowed := s.allowAllOrigins
			if !allowed {
				_, allowed = s.allowedOriginSet[origin]
			}

			if allowed {
				if s.allowAllOrigins {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.Header().Set("Access-Control-Max-Age", "300")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Service) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, errorResponse{Error: message})
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}
