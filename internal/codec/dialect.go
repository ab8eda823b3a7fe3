package codec

import "encoding/json"

// Dialect adapts the wire encoding of one upstream protocol family to/from
// the canonical Request/Response shape the Codec operates on internally.
// BlockbookDialect handles the Blockbook family's variances explicitly;
// every other family (direct JSON-RPC servers, the client-facing protocol)
// uses CanonicalDialect.
type Dialect interface {
	// Decode parses a raw incoming frame. Exactly one of req/resp is
	// non-nil on success.
	Decode(raw []byte) (req *Request, resp *Response, err error)
	// EncodeResponse frames an outbound reply.
	EncodeResponse(resp *Response) ([]byte, error)
	// EncodeRequest frames an outbound call or notification.
	EncodeRequest(req *Request) ([]byte, error)
}

// CanonicalDialect is the plain JSON-RPC 2.0 envelope used by the
// client-facing protocol and the EVM-RPC / webhook upstream families.
type CanonicalDialect struct{}

func (CanonicalDialect) Decode(raw []byte) (*Request, *Response, error) {
	var probe struct {
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
		ID     json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, nil, err
	}
	if probe.Method != "" {
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, nil, err
		}
		return &req, nil, nil
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, nil, err
	}
	return nil, &resp, nil
}

func (CanonicalDialect) EncodeResponse(resp *Response) ([]byte, error) {
	resp.JSONRPC = "2.0"
	return json.Marshal(resp)
}

func (CanonicalDialect) EncodeRequest(req *Request) ([]byte, error) {
	req.JSONRPC = "2.0"
	return json.Marshal(req)
}

// BlockbookDialect normalizes the Blockbook family's envelope variances:
// "data" in place of "result", subscription notifications that reuse the
// original subscribe id as their envelope id, and errors carried inside
// "data" rather than a top-level "error" field.
type BlockbookDialect struct{}

type blockbookError struct {
	Error *Error `json:"error"`
}

func (BlockbookDialect) Decode(raw []byte) (*Request, *Response, error) {
	var probe struct {
		Method string          `json:"method"`
		Data   json.RawMessage `json:"data"`
		ID     json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, nil, err
	}
	if probe.Method != "" {
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, nil, err
		}
		return &req, nil, nil
	}

	resp := &Response{ID: probe.ID}
	if len(probe.Data) > 0 {
		var maybeErr blockbookError
		if json.Unmarshal(probe.Data, &maybeErr) == nil && maybeErr.Error != nil {
			resp.Error = maybeErr.Error
		} else {
			resp.Result = probe.Data
		}
	}
	return nil, resp, nil
}

func (BlockbookDialect) EncodeResponse(resp *Response) ([]byte, error) {
	wire := struct {
		ID   json.RawMessage `json:"id"`
		Data json.RawMessage `json:"data,omitempty"`
	}{ID: resp.ID}

	switch {
	case resp.Error != nil:
		data, err := json.Marshal(blockbookError{Error: resp.Error})
		if err != nil {
			return nil, err
		}
		wire.Data = data
	case resp.Result != nil:
		wire.Data = resp.Result
	}
	return json.Marshal(wire)
}

func (BlockbookDialect) EncodeRequest(req *Request) ([]byte, error) {
	req.JSONRPC = "2.0"
	return json.Marshal(req)
}
