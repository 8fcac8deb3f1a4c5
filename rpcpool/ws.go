package rpcpool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/luxfi/automaton/types"
)

// subscriber owns one WebSocket connection and the pending-request /
// live-subscription bookkeeping needed to demultiplex notifications
// onto the right Go channel. The request-id-to-channel map mirrors the
// teacher's network.Network.pendingRequests pattern (network/network.go),
// adapted here for an outbound WS client instead of an inbound p2p
// request tracker.
type subscriber struct {
	conn *websocket.Conn

	mu            sync.Mutex
	nextID        uint64
	pending       map[uint64]chan json.RawMessage // call id -> subscribe() response
	subscriptions map[uint64]chan types.AccountUpdate
	closed        bool
}

func dialSubscriber(ctx context.Context, wsURL string) (*subscriber, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing websocket endpoint: %w", err)
	}
	s := &subscriber{
		conn:          conn,
		pending:       make(map[uint64]chan json.RawMessage),
		subscriptions: make(map[uint64]chan types.AccountUpdate),
	}
	go s.readLoop()
	return s, nil
}

type wsRequest struct {
	Version string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type wsResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
}

type wsNotification struct {
	Method string `json:"method"`
	Params struct {
		Subscription uint64          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

// subscribe sends an accountSubscribe or programSubscribe call
// and returns a channel of decoded updates, demultiplexed by the
// subscription id the chain assigns in its initial response.
func (s *subscriber) subscribe(ctx context.Context, method string, params []interface{}) (<-chan types.AccountUpdate, func() error, error) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	respCh := make(chan json.RawMessage, 1)
	s.pending[id] = respCh
	s.mu.Unlock()

	req := wsRequest{Version: "2.0", ID: id, Method: method, Params: params}
	if err := s.conn.WriteJSON(req); err != nil {
		s.dropPending(id)
		return nil, nil, fmt.Errorf("sending %s: %w", method, err)
	}

	var subID uint64
	select {
	case raw := <-respCh:
		if err := json.Unmarshal(raw, &subID); err != nil {
			return nil, nil, fmt.Errorf("decoding %s subscription id: %w", method, err)
		}
	case <-ctx.Done():
		s.dropPending(id)
		return nil, nil, ctx.Err()
	}

	updates := make(chan types.AccountUpdate, 64)
	s.mu.Lock()
	s.subscriptions[subID] = updates
	s.mu.Unlock()

	unsubscribeMethod := "accountUnsubscribe"
	if method == "programSubscribe" {
		unsubscribeMethod = "programUnsubscribe"
	}
	unsubscribe := func() error {
		s.mu.Lock()
		delete(s.subscriptions, subID)
		s.mu.Unlock()
		return s.conn.WriteJSON(wsRequest{Version: "2.0", ID: s.allocID(), Method: unsubscribeMethod, Params: []interface{}{subID}})
	}
	return updates, unsubscribe, nil
}

func (s *subscriber) allocID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	return id
}

func (s *subscriber) dropPending(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// readLoop demultiplexes every frame into either a pending subscribe
// response or a live notification, until the connection closes.
func (s *subscriber) readLoop() {
	defer s.closeAll()
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var envelope struct {
			ID     *uint64         `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
		}
		if err := json.Unmarshal(msg, &envelope); err != nil {
			continue
		}

		if envelope.ID != nil {
			s.mu.Lock()
			ch, ok := s.pending[*envelope.ID]
			delete(s.pending, *envelope.ID)
			s.mu.Unlock()
			if ok {
				ch <- envelope.Result
			}
			continue
		}

		var notif wsNotification
		if err := json.Unmarshal(msg, &notif); err != nil {
			continue
		}
		s.dispatch(notif)
	}
}

func (s *subscriber) dispatch(notif wsNotification) {
	s.mu.Lock()
	ch, ok := s.subscriptions[notif.Params.Subscription]
	s.mu.Unlock()
	if !ok {
		return
	}

	var payload struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value struct {
			Pubkey  string     `json:"pubkey"`
			Account *uiAccount `json:"account"`
		} `json:"value"`
	}
	if err := json.Unmarshal(notif.Params.Result, &payload); err != nil {
		return
	}

	data, err := decodeUiAccount(payload.Value.Account)
	if err != nil {
		return
	}
	pk, err := types.PubkeyFromBase58(payload.Value.Pubkey)
	if err != nil {
		return
	}

	select {
	case ch <- types.AccountUpdate{Pubkey: pk, Data: data, Slot: payload.Context.Slot}:
	default:
	}
}

func (s *subscriber) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, ch := range s.subscriptions {
		close(ch)
	}
	s.subscriptions = make(map[uint64]chan types.AccountUpdate)
}

func (s *subscriber) close() error {
	return s.conn.Close()
}

// AccountSubscribe opens (lazily dialing) a WS connection to the
// endpoint subscriberFor selects and issues accountSubscribe for pubkey.
func (p *Pool) AccountSubscribe(ctx context.Context, pubkey types.Pubkey, commitment string) (<-chan types.AccountUpdate, func() error, error) {
	s, err := p.subscriberFor(ctx)
	if err != nil {
		return nil, nil, err
	}
	params := []interface{}{pubkey.String(), map[string]interface{}{"encoding": "base64", "commitment": commitment}}
	return s.subscribe(ctx, "accountSubscribe", params)
}

// ProgramSubscribe issues programSubscribe with memcmp filters.
func (p *Pool) ProgramSubscribe(ctx context.Context, program types.Pubkey, filters []MemcmpFilter, commitment string) (<-chan types.AccountUpdate, func() error, error) {
	s, err := p.subscriberFor(ctx)
	if err != nil {
		return nil, nil, err
	}
	cfg := map[string]interface{}{"encoding": "base64", "commitment": commitment}
	if len(filters) > 0 {
		rpcFilters := make([]map[string]interface{}, len(filters))
		for i, f := range filters {
			rpcFilters[i] = map[string]interface{}{"memcmp": f}
		}
		cfg["filters"] = rpcFilters
	}
	params := []interface{}{program.String(), cfg}
	return s.subscribe(ctx, "programSubscribe", params)
}

// subscriberFor dials (or reuses) a WS connection to the first healthy
// Datasource-capable endpoint in the pool's configured strategy order.
func (p *Pool) subscriberFor(ctx context.Context) (*subscriber, error) {
	cands := p.candidates(false)
	if len(cands) == 0 {
		return nil, fmt.Errorf("rpcpool: no datasource-capable endpoint available")
	}
	e := cands[0]

	e.wsMu.Lock()
	defer e.wsMu.Unlock()
	if e.ws != nil {
		return e.ws, nil
	}
	s, err := dialSubscriber(ctx, e.wsURL)
	if err != nil {
		return nil, err
	}
	e.ws = s
	return s, nil
}
