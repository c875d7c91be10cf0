package core

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/tradeguard/types"
)

func post(t *testing.T, url, body string) (*http.Response, signalResponse) {
	t.Helper()
	resp, err := http.Post(url+"/signals", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out signalResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestServer_Signals(t *testing.T) {
	s := newStack(t, "1000")
	srv := httptest.NewServer(NewServer(":0", s.trader).Handler())
	defer srv.Close()

	resp, out := post(t, srv.URL, `{"symbol":"BTCUSDT","direction":"BUY","currentPrice":"100","confidence":0.7}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, out.Approved)
	require.NotNil(t, out.Position)
	assert.Equal(t, types.SideLong, out.Position.Side)
	assert.Equal(t, "2.5", out.Quantity.String())

	resp, out = post(t, srv.URL, `{"symbol":"BTCUSDT","direction":"long","currentPrice":100,"confidence":0.7}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, GateCapacity, out.Gate)

	resp, out = post(t, srv.URL, `{"symbol":"ETHUSDT","direction":"sideways","currentPrice":"100"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out.Error, "invalid side")

	resp, _ = post(t, srv.URL, `{"symbol":"ETHUSDT","direction":"long","currentPrice":"100","leverage":10}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown fields are rejected")

	resp, out = post(t, srv.URL, `{"symbol":"ETHUSDT","direction":"long","currentPrice":"100","confidence":0.1}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "confidence", out.Gate)
}

func TestServer_Status(t *testing.T) {
	s := newStack(t, "1000")
	srv := httptest.NewServer(NewServer(":0", s.trader).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/positions")
	require.NoError(t, err)
	var positions []*types.Position
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&positions))
	resp.Body.Close()
	assert.NotNil(t, positions)
	assert.Empty(t, positions)

	resp, err = http.Get(srv.URL + "/risk")
	require.NoError(t, err)
	var state types.RiskState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	resp.Body.Close()
	assert.Equal(t, "1000", state.CurrentCapital.String())
	assert.False(t, state.KillSwitchActive)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/risk", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
