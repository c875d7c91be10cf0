package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradeguard/storage"
	"github.com/web3guy0/tradeguard/types"
)

var errBoom = errors.New("boom")

// ─── market ────────────────────────────────────────────────────────────────

type fakeMarket struct {
	mu       sync.Mutex
	prices   map[string]decimal.Decimal
	balances map[string]decimal.Decimal
	priceErr error
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{prices: map[string]decimal.Decimal{}, balances: map[string]decimal.Decimal{}}
}

func (m *fakeMarket) setPrice(symbol, p string) {
	m.mu.Lock()
	m.prices[symbol] = d(p)
	m.mu.Unlock()
}

func (m *fakeMarket) GetCurrentPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.priceErr != nil {
		return decimal.Zero, m.priceErr
	}
	p, ok := m.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for %s", symbol)
	}
	return p, nil
}

func (m *fakeMarket) GetHistoricalData(context.Context, string, string, int) ([]types.Candle, error) {
	return nil, nil
}

func (m *fakeMarket) GetBalance(context.Context) (map[string]decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(m.balances))
	for k, v := range m.balances {
		out[k] = v
	}
	return out, nil
}

func (m *fakeMarket) ExecuteOrder(_ context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	p, err := m.GetCurrentPrice(context.Background(), req.Symbol)
	if err != nil {
		return nil, err
	}
	return &types.OrderResult{OrderID: "entry-1", Symbol: req.Symbol, Side: req.Side, FilledQty: req.Quantity, AvgPrice: p}, nil
}

// ─── orders ────────────────────────────────────────────────────────────────

type fakeOrders struct {
	mu sync.Mutex

	placed    []types.ProtectiveRequest
	cancelled []string
	stops     []decimal.Decimal
	closes    []types.ExitReason
	status    map[string]*types.ProtectionStatus

	placeErr      error
	updateStopErr error
	closeErr      error
	statusErr     error
	closePrice    decimal.Decimal
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{status: map[string]*types.ProtectionStatus{}}
}

func (o *fakeOrders) PlaceProtective(_ context.Context, req types.ProtectiveRequest) (*types.ProtectiveOrders, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.placeErr != nil {
		return nil, o.placeErr
	}
	o.placed = append(o.placed, req)
	o.status[req.PositionID] = &types.ProtectionStatus{State: types.ProtectionActive}
	return &types.ProtectiveOrders{
		GroupID:       "oco-" + req.PositionID,
		StopOrderID:   "sl-" + req.PositionID,
		TargetOrderID: "tp-" + req.PositionID,
	}, nil
}

func (o *fakeOrders) CancelProtective(_ context.Context, positionID, _ string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelled = append(o.cancelled, positionID)
	delete(o.status, positionID)
	return nil
}

func (o *fakeOrders) CheckStatus(_ context.Context, positionID, _ string) (*types.ProtectionStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.statusErr != nil {
		return nil, o.statusErr
	}
	s, ok := o.status[positionID]
	if !ok {
		return &types.ProtectionStatus{State: types.ProtectionUnknown}, nil
	}
	c := *s
	return &c, nil
}

func (o *fakeOrders) UpdateStop(_ context.Context, _, _ string, newStop decimal.Decimal) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.updateStopErr != nil {
		return o.updateStopErr
	}
	o.stops = append(o.stops, newStop)
	return nil
}

func (o *fakeOrders) PlaceMarketClose(_ context.Context, symbol string, side types.Side, qty decimal.Decimal, reason types.ExitReason) (*types.OrderResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closeErr != nil {
		return nil, o.closeErr
	}
	o.closes = append(o.closes, reason)
	return &types.OrderResult{OrderID: "exit-1", Symbol: symbol, Side: side.ExitOrderSide(), FilledQty: qty, AvgPrice: o.closePrice}, nil
}

func (o *fakeOrders) counts() (placed, cancelled, closes int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.placed), len(o.cancelled), len(o.closes)
}

// ─── store ─────────────────────────────────────────────────────────────────

type fakeStore struct {
	mu        sync.Mutex
	positions map[string]*types.Position

	saveErr       error
	updateStopErr error
	closeErr      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{positions: map[string]*types.Position{}}
}

func (s *fakeStore) SavePosition(_ context.Context, pos *types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.positions[pos.ID] = pos.Clone()
	return nil
}

func (s *fakeStore) UpdateStop(_ context.Context, id string, stop decimal.Decimal, active bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateStopErr != nil {
		return s.updateStopErr
	}
	p, ok := s.positions[id]
	if !ok {
		return storage.ErrPositionNotFound
	}
	if p.Status != types.StatusOpen {
		return storage.ErrPositionNotOpen
	}
	p.StopLoss, p.TrailingActive, p.LastStopUpdate = stop, active, at
	return nil
}

func (s *fakeStore) UpdateProtection(_ context.Context, id string, orders types.ProtectiveOrders) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return storage.ErrPositionNotFound
	}
	p.OCOGroupID, p.StopOrderID, p.TargetOrderID = orders.GroupID, orders.StopOrderID, orders.TargetOrderID
	return nil
}

func (s *fakeStore) ClosePosition(_ context.Context, pos *types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeErr != nil {
		return s.closeErr
	}
	if p, ok := s.positions[pos.ID]; ok && p.Status == types.StatusClosed {
		return storage.ErrPositionClosed
	}
	s.positions[pos.ID] = pos.Clone()
	return nil
}

func (s *fakeStore) GetOpenPositions(context.Context) ([]*types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Position
	for _, p := range s.positions {
		if p.Status != types.StatusClosed {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (s *fakeStore) get(id string) *types.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.positions[id]; ok {
		return p.Clone()
	}
	return nil
}

// ─── risk & events ─────────────────────────────────────────────────────────

type fakeRisk struct {
	mu  sync.Mutex
	pnl []decimal.Decimal
	err error
}

func (r *fakeRisk) RecordClosedTrade(_ context.Context, pnl decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.pnl = append(r.pnl, pnl)
	return nil
}

func (r *fakeRisk) fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *fakeRisk) recorded() []decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]decimal.Decimal(nil), r.pnl...)
}

type eventLog struct {
	mu     sync.Mutex
	events []types.Event
}

func (l *eventLog) Notify(e types.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) find(kind types.EventType) (types.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Type == kind {
			return e, true
		}
	}
	return types.Event{}, false
}

func (l *eventLog) kinds() []types.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.EventType, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(dur time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(dur)
	c.mu.Unlock()
}
