package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/amirphl/limit-escrow/internal/asset"
	"github.com/amirphl/limit-escrow/internal/db"
	"github.com/amirphl/limit-escrow/internal/engine"
	"github.com/amirphl/limit-escrow/internal/journal"
	"github.com/amirphl/limit-escrow/internal/ledger"
	"github.com/amirphl/limit-escrow/internal/pending"
	"github.com/amirphl/limit-escrow/internal/venue"
)

const (
	tokenA asset.ID = "TOKA-aaaaaa"
	tokenB asset.ID = "TOKB-bbbbbb"

	owner    ledger.Address = "erd1owner"
	treasury ledger.Address = "erd1treasury"
	pool     ledger.Address = "erd1pool"
	alice    ledger.Address = "erd1alice"
	bob      ledger.Address = "erd1bob"
)

type testServer struct {
	t      *testing.T
	http   *httptest.Server
	venue  *venue.Mock
	ledger *ledger.Memory
	events *journal.Broadcaster
}

func newTestServer(t *testing.T) *testServer {
	log := zaptest.NewLogger(t)

	l := ledger.NewMemory("erd1escrow")
	l.Mint(alice, tokenA, big.NewInt(1000))
	l.Mint(pool, tokenB, big.NewInt(100_000))

	v := venue.NewMock("pair", pool, l, log)
	v.SetRate(tokenA, tokenB, decimal.RequireFromString("0.6"))

	store := db.NewMemory()
	events := journal.NewBroadcaster(16)
	eng, err := engine.New(log, engine.Config{Owner: owner, Treasury: treasury, FeeDivisor: 10}, engine.Deps{
		Store:   store,
		Pending: pending.NewMemory(),
		Ledger:  l,
		Journal: journal.Tee{store, events},
		Venues:  []venue.Venue{v},
	})
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(log, eng, store, events))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = events.Close() })

	return &testServer{t: t, http: srv, venue: v, ledger: l, events: events}
}

func (s *testServer) do(method, path string, as ledger.Address, body any) (int, []byte) {
	s.t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.http.URL+path, reader)
	require.NoError(s.t, err)
	if as != "" {
		req.Header.Set(CallerHeader, string(as))
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	require.NoError(s.t, err)
	return resp.StatusCode, data
}

func (s *testServer) open(amountIn, minOut string) orderResponse {
	s.t.Helper()
	status, body := s.do(http.MethodPost, "/orders", alice, openRequest{
		AssetIn: tokenA, AmountIn: amountIn, AssetOut: tokenB, MinOut: minOut,
	})
	require.Equal(s.t, http.StatusCreated, status, string(body))

	var o orderResponse
	require.NoError(s.t, json.Unmarshal(body, &o))
	return o
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v), string(body))
	return v
}

func TestServer_OrderLifecycle(t *testing.T) {
	s := newTestServer(t)

	o := s.open("100", "50")
	assert.Equal(t, uint64(1), o.ID)
	assert.Equal(t, 0, o.Index)
	assert.Equal(t, "OPEN", o.State)
	assert.Equal(t, int64(900), s.ledger.BalanceOfAccount(alice, tokenA).Int64())

	status, body := s.do(http.MethodPost, "/orders/id/1/execute", owner, executeRequest{Venue: pool})
	require.Equal(t, http.StatusAccepted, status, string(body))
	requestID := decode[map[string]any](t, body)["request_id"]

	status, body = s.do(http.MethodGet, "/swaps", "", nil)
	require.Equal(t, http.StatusOK, status)
	swaps := decode[[]swapResponse](t, body)
	require.Len(t, swaps, 1)
	assert.Equal(t, requestID, swaps[0].RequestID)

	status, body = s.do(http.MethodGet, "/orders/0", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "EXECUTING", decode[orderResponse](t, body).State)

	s.venue.ResolveAll(context.Background())

	status, body = s.do(http.MethodGet, "/orders", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, decode[[]orderResponse](t, body))
	assert.Equal(t, int64(54), s.ledger.BalanceOfAccount(alice, tokenB).Int64())

	status, body = s.do(http.MethodGet, "/events?type=order_settled", "", nil)
	require.Equal(t, http.StatusOK, status)
	events := decode[[]eventResponse](t, body)
	require.Len(t, events, 1)
	assert.Equal(t, "54", events[0].Data["net"])
}

func TestServer_OpenAtRate(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(http.MethodPost, "/orders", alice, openRequest{
		AssetIn: tokenA, AmountIn: "101", AssetOut: tokenB, Rate: "0.5",
	})
	require.Equal(t, http.StatusCreated, status, string(body))
	assert.Equal(t, "50", decode[orderResponse](t, body).MinOut)

	status, _ = s.do(http.MethodPost, "/orders", alice, openRequest{
		AssetIn: tokenA, AmountIn: "100", AssetOut: tokenB, Rate: "0.5", MinOut: "50",
	})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestServer_CloseOrder(t *testing.T) {
	s := newTestServer(t)
	s.open("100", "50")

	status, _ := s.do(http.MethodDelete, "/orders/id/1", bob, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, body := s.do(http.MethodDelete, "/orders/id/1", alice, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, "100", decode[map[string]any](t, body)["refunded"])
	assert.Equal(t, int64(1000), s.ledger.BalanceOfAccount(alice, tokenA).Int64())

	status, _ = s.do(http.MethodGet, "/orders/id/1", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServer_Errors(t *testing.T) {
	s := newTestServer(t)
	s.open("100", "50")

	tests := []struct {
		name   string
		method string
		path   string
		as     ledger.Address
		body   any
		status int
	}{
		{"bad amount", http.MethodPost, "/orders", alice, openRequest{AssetIn: tokenA, AmountIn: "lots", AssetOut: tokenB, MinOut: "1"}, http.StatusBadRequest},
		{"same asset", http.MethodPost, "/orders", alice, openRequest{AssetIn: tokenA, AmountIn: "1", AssetOut: tokenA, MinOut: "1"}, http.StatusBadRequest},
		{"insufficient funds", http.MethodPost, "/orders", bob, openRequest{AssetIn: tokenA, AmountIn: "1", AssetOut: tokenB, MinOut: "1"}, http.StatusBadRequest},
		{"index out of bounds", http.MethodGet, "/orders/5", "", nil, http.StatusNotFound},
		{"unknown venue", http.MethodPost, "/orders/id/1/execute", owner, executeRequest{Venue: "erd1nowhere"}, http.StatusUnprocessableEntity},
		{"override below floor", http.MethodPost, "/orders/id/1/execute", owner, executeRequest{Venue: pool, MinOut: "49"}, http.StatusBadRequest},
		{"clear by stranger", http.MethodPost, "/admin/clear", bob, nil, http.StatusForbidden},
		{"claim by stranger", http.MethodPost, "/admin/claim/" + string(tokenA), bob, nil, http.StatusForbidden},
		{"events without type", http.MethodGet, "/events", "", nil, http.StatusBadRequest},
		{"bad custody asset", http.MethodGet, "/custody/EGLD", "", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := s.do(tt.method, tt.path, tt.as, tt.body)
			assert.Equal(t, tt.status, status, string(body))
		})
	}
}

func TestServer_ExecutingConflicts(t *testing.T) {
	s := newTestServer(t)
	s.open("100", "50")

	status, _ := s.do(http.MethodPost, "/orders/id/1/execute", owner, executeRequest{Venue: pool})
	require.Equal(t, http.StatusAccepted, status)

	status, _ = s.do(http.MethodDelete, "/orders/id/1", alice, nil)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = s.do(http.MethodPost, "/admin/clear", owner, nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestServer_Admin(t *testing.T) {
	s := newTestServer(t)
	s.open("100", "50")

	status, body := s.do(http.MethodGet, "/custody/"+string(tokenA), "", nil)
	require.Equal(t, http.StatusOK, status)
	custody := decode[map[string]any](t, body)
	assert.Equal(t, "100", custody["escrowed"])
	assert.Equal(t, true, custody["healthy"])

	status, body = s.do(http.MethodPost, "/admin/clear", owner, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	cleared := decode[map[string]any](t, body)
	assert.Equal(t, float64(1), cleared["orders"])
	assert.Equal(t, "refund", cleared["mode"])

	status, body = s.do(http.MethodPost, "/admin/claim/"+string(tokenA), owner, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, "0", decode[map[string]any](t, body)["amount"])
}

func TestServer_StreamEvents(t *testing.T) {
	s := newTestServer(t)

	url := "ws" + strings.TrimPrefix(s.http.URL, "http") + "/events/stream?type=order_opened"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer func() { _ = conn.Close() }()

	require.Eventually(t, func() bool { return s.events.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	o := s.open("100", "50")
	status, _ := s.do(http.MethodDelete, "/orders/id/1", alice, nil)
	require.Equal(t, http.StatusOK, status)
	s.open("200", "100")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var first, second eventResponse
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))

	assert.Equal(t, journal.TypeOrderOpened, first.Type)
	assert.Equal(t, float64(o.ID), first.Data["order_id"])
	assert.Equal(t, journal.TypeOrderOpened, second.Type, "order_closed is filtered out")
	assert.Equal(t, "200", second.Data["amount_in"])
}

func TestServer_Metrics(t *testing.T) {
	s := newTestServer(t)
	s.open("100", "50")

	status, body := s.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "orders_opened")
}
