package rpcpool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	json2 "github.com/gorilla/rpc/v2/json2"
)

// request is the wire envelope for a chain JSON-RPC call. Unlike the
// teacher's utils/rpc/json.go (which uses json2.EncodeClientRequest and
// wraps its single args value as params[0], the shape net/rpc-style
// servers expect), this chain's RPC methods take a flat positional
// params array, so the envelope is built directly; json2 is still used
// to decode the response body and its JSON-RPC error shape, which the
// teacher's helper also delegates to json2 for.
type request struct {
	Version string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

var requestID uint64

func nextRequestID() uint64 {
	return atomic.AddUint64(&requestID, 1)
}

// call issues one JSON-RPC request against base and decodes its result
// into reply. params is the method's positional argument list, e.g.
// []interface{}{pubkey, map[string]interface{}{"encoding": "base64"}}.
func call(ctx context.Context, client *http.Client, base string, method string, params []interface{}, reply interface{}) error {
	req := request{Version: "2.0", ID: nextRequestID(), Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding rpc request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building rpc request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("issuing rpc request: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("rpc endpoint returned status %d", resp.StatusCode)
	}

	if err := json2.DecodeClientResponse(resp.Body, reply); err != nil {
		return fmt.Errorf("decoding rpc response: %w", err)
	}
	return nil
}

// drainAndClose prevents HTTP/2 GOAWAY errors from closing a response
// body with unread data, the same concern the teacher's
// CleanlyCloseBody addresses.
func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
