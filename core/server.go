package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SERVER - Signal intake, status and metrics over HTTP
// ═══════════════════════════════════════════════════════════════════════════════
//
//   POST /signals     TradeSignal JSON → decision (+ position)
//   GET  /positions   open positions
//   GET  /risk        risk state snapshot
//   GET  /healthz     liveness
//   GET  /metrics     Prometheus
//
// ═══════════════════════════════════════════════════════════════════════════════

const maxSignalBody = 64 << 10

type Server struct {
	trader *Trader
	srv    *http.Server
}

// NewServer routes the trader's endpoints on addr
func NewServer(addr string, trader *Trader) *Server {
	s := &Server{trader: trader}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /signals", s.handleSignal)
	mux.HandleFunc("GET /positions", s.handlePositions)
	mux.HandleFunc("GET /risk", s.handleRisk)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Start serves in the background
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("🌐 HTTP server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type signalResponse struct {
	Approved   bool            `json:"approved"`
	Gate       string          `json:"gate,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Quantity   decimal.Decimal `json:"quantity"`
	StopLoss   decimal.Decimal `json:"stopLoss"`
	TakeProfit decimal.Decimal `json:"takeProfit"`
	RiskReward float64         `json:"riskReward,omitempty"`
	Position   *types.Position `json:"position,omitempty"`
	Error      string          `json:"error,omitempty"`
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var sig types.TradeSignal
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSignalBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sig); err != nil {
		writeJSON(w, http.StatusBadRequest, signalResponse{Error: "invalid signal: " + err.Error()})
		return
	}

	res, err := s.trader.HandleSignal(r.Context(), sig)
	resp := signalResponse{}
	if res != nil {
		d := res.Decision
		resp = signalResponse{
			Approved:   d.Approved,
			Gate:       d.Gate,
			Reason:     d.Reason,
			Quantity:   d.Quantity,
			StopLoss:   d.StopLoss,
			TakeProfit: d.TakeProfit,
			RiskReward: d.RiskReward,
			Position:   res.Position,
		}
	}

	switch {
	case err != nil:
		resp.Error = err.Error()
		writeJSON(w, http.StatusBadGateway, resp)
	case !resp.Approved:
		writeJSON(w, http.StatusUnprocessableEntity, resp)
	default:
		writeJSON(w, http.StatusCreated, resp)
	}
}

func (s *Server) handlePositions(w http.ResponseWriter, _ *http.Request) {
	positions := s.trader.OpenPositions()
	if positions == nil {
		positions = []*types.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleRisk(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.trader.RiskSnapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}
