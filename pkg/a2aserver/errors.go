package a2aserver

import (
	"encoding/json"

	"github.com/kadirpekel/devicebroker/pkg/brokererrors"
)

// rpcRequest mirrors the JSON-RPC 2.0 envelope shape from
// pkg/transport/jsonrpc_handler.go's JSONRPCRequest, narrowed to the
// fields this broker's method set needs.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// rpcResponse mirrors JSONRPCResponse.
type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

// rpcError mirrors RPCError.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func errorResponse(id any, err error) rpcResponse {
	return rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &rpcError{
			Code:    brokererrors.CodeFor(err),
			Message: err.Error(),
			Data:    string(brokererrors.KindOf(err)),
		},
	}
}

func successResponse(id any, result any) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}
