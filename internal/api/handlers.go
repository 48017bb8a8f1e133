package api

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/spacemonkeygo/monkit/v3"

	"github.com/amirphl/limit-escrow/internal/asset"
	"github.com/amirphl/limit-escrow/internal/engine"
	"github.com/amirphl/limit-escrow/internal/ledger"
	"github.com/amirphl/limit-escrow/internal/order"
	"github.com/amirphl/limit-escrow/internal/pending"
)

type orderResponse struct {
	ID        uint64    `json:"id"`
	Index     int       `json:"index"`
	Owner     string    `json:"owner"`
	AssetIn   string    `json:"asset_in"`
	AmountIn  string    `json:"amount_in"`
	AssetOut  string    `json:"asset_out"`
	MinOut    string    `json:"min_out"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

func newOrderResponse(o order.Order, index int, state engine.State) orderResponse {
	return orderResponse{
		ID:        o.ID,
		Index:     index,
		Owner:     o.Owner.String(),
		AssetIn:   o.AssetIn.String(),
		AmountIn:  o.AmountIn.String(),
		AssetOut:  o.AssetOut.String(),
		MinOut:    o.AmountOutMin.String(),
		State:     state.String(),
		CreatedAt: o.CreatedAt,
	}
}

type swapResponse struct {
	RequestID    string    `json:"request_id"`
	OrderID      uint64    `json:"order_id"`
	Owner        string    `json:"owner"`
	AssetIn      string    `json:"asset_in"`
	AmountIn     string    `json:"amount_in"`
	AssetOut     string    `json:"asset_out"`
	MinOut       string    `json:"min_out"`
	Venue        string    `json:"venue"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

type eventResponse struct {
	Time        time.Time      `json:"time"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
}

type openRequest struct {
	AssetIn  asset.ID `json:"asset_in"`
	AmountIn string   `json:"amount_in"`
	AssetOut asset.ID `json:"asset_out"`
	// exactly one of MinOut and Rate
	MinOut string `json:"min_out"`
	Rate   string `json:"rate"`
}

type executeRequest struct {
	Venue  ledger.Address `json:"venue"`
	MinOut string         `json:"min_out"`
}

func (s *Server) executingOrders(r *http.Request) (map[uint64]bool, error) {
	swaps, err := s.engine.PendingSwaps(r.Context())
	if err != nil {
		return nil, err
	}
	executing := make(map[uint64]bool, len(swaps))
	for _, sw := range swaps {
		executing[sw.OrderID] = true
	}
	return executing, nil
}

func stateOf(executing map[uint64]bool, id uint64) engine.State {
	if executing[id] {
		return engine.StateExecuting
	}
	return engine.StateOpen
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	orders, err := s.engine.Orders(ctx)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	executing, err := s.executingOrders(r)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i, o := range orders {
		resp = append(resp, newOrderResponse(o, i, stateOf(executing, o.ID)))
	}
	sendJSON(w, http.StatusOK, resp)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		sendJSONError(w, "invalid order index", err.Error(), http.StatusBadRequest)
		return
	}
	o, err := s.engine.GetOrder(ctx, index)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	state, err := s.engine.OrderState(ctx, index)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, newOrderResponse(o, index, state))
}

func parseID(r *http.Request) (uint64, error) {
	return strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
}

func (s *Server) getOrderByID(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		sendJSONError(w, "invalid order id", err.Error(), http.StatusBadRequest)
		return
	}
	o, index, err := s.engine.GetOrderByID(r.Context(), id)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	executing, err := s.executingOrders(r)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, newOrderResponse(o, index, stateOf(executing, o.ID)))
}

func (s *Server) openOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	var req openRequest
	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, "invalid request body", err.Error(), http.StatusBadRequest)
		return
	}
	amountIn, err := asset.ParseAmount(req.AmountIn)
	if err != nil {
		sendJSONError(w, "invalid amount_in", err.Error(), http.StatusBadRequest)
		return
	}
	call := ledger.NewCall(caller(r), asset.Payment{Asset: req.AssetIn, Amount: amountIn})

	var (
		o     order.Order
		index int
	)
	switch {
	case req.MinOut != "" && req.Rate != "":
		sendJSONError(w, "set either min_out or rate", "", http.StatusBadRequest)
		return
	case req.Rate != "":
		rate, perr := decimal.NewFromString(req.Rate)
		if perr != nil {
			sendJSONError(w, "invalid rate", perr.Error(), http.StatusBadRequest)
			return
		}
		o, index, err = s.engine.OpenOrderAtRate(ctx, call, req.AssetOut, rate)
	default:
		minOut, perr := asset.ParseAmount(req.MinOut)
		if perr != nil {
			sendJSONError(w, "invalid min_out", perr.Error(), http.StatusBadRequest)
			return
		}
		o, index, err = s.engine.OpenOrder(ctx, call, req.AssetOut, minOut)
	}
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	sendJSON(w, http.StatusCreated, newOrderResponse(o, index, engine.StateOpen))
}

func (s *Server) closeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := parseID(r)
	if err != nil {
		sendJSONError(w, "invalid order id", err.Error(), http.StatusBadRequest)
		return
	}
	o, err := s.engine.CloseOrderByID(ctx, caller(r), id)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"id":       o.ID,
		"refunded": o.AmountIn.String(),
		"asset":    o.AssetIn.String(),
	})
}

func (s *Server) executeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := parseID(r)
	if err != nil {
		sendJSONError(w, "invalid order id", err.Error(), http.StatusBadRequest)
		return
	}
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, "invalid request body", err.Error(), http.StatusBadRequest)
		return
	}
	var minOut *big.Int
	if req.MinOut != "" {
		if minOut, err = asset.ParseAmount(req.MinOut); err != nil {
			sendJSONError(w, "invalid min_out", err.Error(), http.StatusBadRequest)
			return
		}
	}

	requestID, err := s.engine.ExecuteOrderByID(ctx, caller(r), id, req.Venue, minOut)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	sendJSON(w, http.StatusAccepted, map[string]any{"id": id, "request_id": requestID})
}

func (s *Server) listSwaps(w http.ResponseWriter, r *http.Request) {
	swaps, err := s.engine.PendingSwaps(r.Context())
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	resp := make([]swapResponse, 0, len(swaps))
	for _, sw := range swaps {
		resp = append(resp, newSwapResponse(sw))
	}
	sendJSON(w, http.StatusOK, resp)
}

func newSwapResponse(sw pending.Swap) swapResponse {
	return swapResponse{
		RequestID:    sw.RequestID,
		OrderID:      sw.OrderID,
		Owner:        sw.Owner.String(),
		AssetIn:      sw.AssetIn.String(),
		AmountIn:     sw.AmountIn.String(),
		AssetOut:     sw.AssetOut.String(),
		MinOut:       sw.MinOut.String(),
		Venue:        sw.Venue.String(),
		DispatchedAt: sw.DispatchedAt,
	}
}

func (s *Server) getCustody(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id := asset.ID(mux.Vars(r)["asset"])
	if err := id.Validate(); err != nil {
		sendJSONError(w, "invalid asset", err.Error(), http.StatusBadRequest)
		return
	}
	escrowed, err := s.engine.Escrowed(ctx, id)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}

	resp := map[string]any{
		"asset":    id.String(),
		"escrowed": escrowed.String(),
		"healthy":  true,
	}
	if err := s.engine.CheckCustody(ctx, id); err != nil {
		resp["healthy"] = false
		resp["detail"] = err.Error()
	}
	sendJSON(w, http.StatusOK, resp)
}

func (s *Server) clearStorage(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.ClearStorage(r.Context(), caller(r))
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"orders": n,
		"mode":   string(s.engine.Config().ClearMode),
	})
}

func (s *Server) claimTokens(w http.ResponseWriter, r *http.Request) {
	id := asset.ID(mux.Vars(r)["asset"])
	amount, err := s.engine.ClaimTokens(r.Context(), caller(r), id)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"asset": id.String(), "amount": amount.String()})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		sendJSONError(w, "event history is not available", "", http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	eventType := q.Get("type")
	if eventType == "" {
		sendJSONError(w, "type is required", "", http.StatusBadRequest)
		return
	}
	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)
	var err error
	if v := q.Get("from"); v != "" {
		if start, err = time.Parse(time.RFC3339, v); err != nil {
			sendJSONError(w, "invalid from", err.Error(), http.StatusBadRequest)
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if end, err = time.Parse(time.RFC3339, v); err != nil {
			sendJSONError(w, "invalid to", err.Error(), http.StatusBadRequest)
			return
		}
	}

	events, err := s.history.GetEvents(r.Context(), eventType, start, end)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	resp := make([]eventResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, eventResponse(e))
	}
	sendJSON(w, http.StatusOK, resp)
}

// metrics writes every monkit series as "name value" lines.
func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	var lines []string
	monkit.Default.Stats(func(key monkit.SeriesKey, field string, val float64) {
		lines = append(lines, fmt.Sprintf("%s %g", key.WithField(field), val))
	})
	sort.Strings(lines)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, line := range lines {
		_, _ = fmt.Fprintln(w, line)
	}
}
