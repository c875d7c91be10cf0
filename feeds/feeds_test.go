package feeds

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/tradeguard/types"
)

func candle(open, high, low, close string) types.Candle {
	return types.Candle{
		Open:  decimal.RequireFromString(open),
		High:  decimal.RequireFromString(high),
		Low:   decimal.RequireFromString(low),
		Close: decimal.RequireFromString(close),
	}
}

func TestATR(t *testing.T) {
	candles := []types.Candle{
		candle("100", "101", "99", "100"),
		candle("100", "102", "99", "101"), // tr 3
		candle("101", "101", "97", "98"),  // tr 4
		candle("98", "104", "99", "103"),  // tr max(5, 6, 1) = 6
	}

	assert.True(t, ATR(candles, 3).Equal(decimal.NewFromInt(13).Div(decimal.NewFromInt(3))))
	assert.True(t, ATR(candles, 1).Equal(decimal.NewFromInt(6)))
	assert.True(t, ATR(candles, 4).IsZero(), "not enough history")
	assert.True(t, ATR(candles, 0).IsZero())
}

func TestVolatility(t *testing.T) {
	candles := []types.Candle{
		candle("100", "101", "99", "100"),
		candle("100", "102", "98", "100"),
	}
	v := Volatility(candles, 1)
	require.NotNil(t, v)
	assert.True(t, v.ATR.Equal(decimal.NewFromInt(4)))
	assert.InDelta(t, 4.0, v.ATRPercent, 1e-9)

	assert.Nil(t, Volatility(candles[:1], 1))
}

func TestBinanceREST(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/ticker/price":
			assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
			w.Write([]byte(`{"symbol":"BTCUSDT","price":"100123.45"}`))
		case "/api/v3/klines":
			assert.Equal(t, "1h", r.URL.Query().Get("interval"))
			w.Write([]byte(`[[1700000000000,"1","2","0.5","1.5","10",1700003599999],[1700003600000,"1.5","3","1","2","20",1700007199999]]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	api := NewBinanceREST(srv.URL, time.Second)
	ctx := context.Background()

	price, err := api.Price(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("100123.45")))

	candles, err := api.Klines(ctx, "BTCUSDT", "1h", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.True(t, candles[1].High.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, time.UnixMilli(1700003600000).UTC(), candles[1].OpenTime)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer down.Close()
	_, err = NewBinanceREST(down.URL, time.Second).Price(ctx, "BTCUSDT")
	assert.Error(t, err)
}

func TestBinanceStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stream", r.URL.Path)
		assert.Equal(t, "btcusdt@miniTicker/ethusdt@miniTicker", r.URL.Query().Get("streams"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte(`{"stream":"btcusdt@miniTicker","data":{"e":"24hrMiniTicker","s":"BTCUSDT","c":"101000.5"}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"stream":"ethusdt@miniTicker","data":{"e":"24hrMiniTicker","s":"ETHUSDT","c":"not-a-number"}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`garbage`))

		// hold the connection until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	stream := NewBinanceStream("ws"+strings.TrimPrefix(srv.URL, "http"), []string{"BTCUSDT", "ETHUSDT"})
	stream.Start()
	defer stream.Stop()

	require.Eventually(t, func() bool {
		_, _, ok := stream.Latest("BTCUSDT")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	price, at, _ := stream.Latest("BTCUSDT")
	assert.True(t, price.Equal(decimal.RequireFromString("101000.5")))
	assert.WithinDuration(t, time.Now(), at, time.Second)

	_, _, ok := stream.Latest("ETHUSDT")
	assert.False(t, ok, "bad price ignored")
}
