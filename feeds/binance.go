package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BINANCE MARKET DATA - Push prices over websocket, pull prices and klines
// ═══════════════════════════════════════════════════════════════════════════════
//
// BinanceStream keeps the last mini-ticker close per symbol and serves it to
// the position monitor. BinanceREST is the pull fallback and the kline source
// for ATR.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	BinanceWSURL   = "wss://stream.binance.com:9443"
	BinanceRESTURL = "https://api.binance.com"

	reconnectDelay = 5 * time.Second
	readTimeout    = 90 * time.Second
)

type quote struct {
	price decimal.Decimal
	at    time.Time
}

// BinanceStream is a websocket mini-ticker cache
type BinanceStream struct {
	mu      sync.RWMutex
	wsURL   string
	symbols []string
	prices  map[string]quote
	conn    *websocket.Conn
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewBinanceStream creates a stream for the given symbols (e.g. BTCUSDT)
func NewBinanceStream(wsURL string, symbols []string) *BinanceStream {
	if wsURL == "" {
		wsURL = BinanceWSURL
	}
	return &BinanceStream{
		wsURL:   strings.TrimRight(wsURL, "/"),
		symbols: symbols,
		prices:  make(map[string]quote),
	}
}

// Start connects and keeps reconnecting until Stop
func (s *BinanceStream) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.connectionLoop()
	log.Info().Strs("symbols", s.symbols).Msg("📈 Binance stream started")
}

// Stop closes the connection and waits for the reader to exit
func (s *BinanceStream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	if s.conn != nil {
		s.conn.Close()
	}
	done := s.done
	s.mu.Unlock()

	<-done
	log.Info().Msg("Binance stream stopped")
}

// Latest returns the last streamed price for symbol and when it arrived
func (s *BinanceStream) Latest(symbol string) (decimal.Decimal, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.prices[symbol]
	return q.price, q.at, ok
}

func (s *BinanceStream) streamURL() string {
	streams := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		streams = append(streams, strings.ToLower(sym)+"@miniTicker")
	}
	return fmt.Sprintf("%s/stream?streams=%s", s.wsURL, strings.Join(streams, "/"))
}

func (s *BinanceStream) connectionLoop() {
	defer close(s.done)

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if err := s.connect(); err != nil {
			log.Error().Err(err).Msg("Binance stream connection failed, retrying...")
			select {
			case <-s.stopCh:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		s.readLoop()

		select {
		case <-s.stopCh:
			return
		case <-time.After(time.Second):
			log.Warn().Msg("Binance stream disconnected, reconnecting...")
		}
	}
}

func (s *BinanceStream) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(s.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		conn.Close()
		return fmt.Errorf("stream stopped")
	}
	s.conn = conn
	s.mu.Unlock()

	log.Info().Int("symbols", len(s.symbols)).Msg("🔌 Binance stream connected")
	return nil
}

func (s *BinanceStream) readLoop() {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	defer conn.Close()

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.RLock()
			running := s.running
			s.mu.RUnlock()
			if running {
				log.Error().Err(err).Msg("Binance stream read error")
			}
			return
		}
		s.handleMessage(data)
	}
}

type miniTicker struct {
	Event  string `json:"e"`
	Symbol string `json:"s"`
	Close  string `json:"c"`
}

func (s *BinanceStream) handleMessage(data []byte) {
	var envelope struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return
	}
	payload := envelope.Data
	if len(payload) == 0 {
		payload = data // raw single-stream format
	}

	var t miniTicker
	if err := json.Unmarshal(payload, &t); err != nil || t.Event != "24hrMiniTicker" {
		return
	}
	price, err := decimal.NewFromString(t.Close)
	if err != nil || !price.IsPositive() {
		return
	}

	s.mu.Lock()
	s.prices[t.Symbol] = quote{price: price, at: time.Now()}
	s.mu.Unlock()
}

// ═══════════════════════════════════════════════════════════════════════════════
// REST
// ═══════════════════════════════════════════════════════════════════════════════

// BinanceREST pulls prices and klines from the public REST API
type BinanceREST struct {
	baseURL string
	client  *http.Client
}

func NewBinanceREST(baseURL string, timeout time.Duration) *BinanceREST {
	if baseURL == "" {
		baseURL = BinanceRESTURL
	}
	return &BinanceREST{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (b *BinanceREST) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("binance %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Price returns the last traded price
func (b *BinanceREST) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var result struct {
		Price string `json:"price"`
	}
	if err := b.get(ctx, "/api/v3/ticker/price?symbol="+symbol, &result); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(result.Price)
}

// Klines returns the last `limit` candles, oldest first
func (b *BinanceREST) Klines(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error) {
	var raw [][]any
	path := fmt.Sprintf("/api/v3/klines?symbol=%s&interval=%s&limit=%d", symbol, interval, limit)
	if err := b.get(ctx, path, &raw); err != nil {
		return nil, err
	}

	candles := make([]types.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			return nil, fmt.Errorf("malformed kline")
		}
		openTime, _ := k[0].(float64)
		c := types.Candle{OpenTime: time.UnixMilli(int64(openTime)).UTC()}
		fields := []*decimal.Decimal{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume}
		for i, dst := range fields {
			str, _ := k[i+1].(string)
			v, err := decimal.NewFromString(str)
			if err != nil {
				return nil, fmt.Errorf("kline field %d: %w", i+1, err)
			}
			*dst = v
		}
		candles = append(candles, c)
	}
	return candles, nil
}
