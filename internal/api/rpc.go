package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/temporal-agent/scheduler/internal/tools"
)

const (
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInternalError  = -32603
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Context   struct {
		SessionID string `json:"sessionId"`
	} `json:"context"`
}

// jsonRPC speaks JSON-RPC 2.0 with methods initialize, tools/list and
// tools/call. Error messages stay generic; detail is logged server-side.
func (s *Server) jsonRPC(w http.ResponseWriter, r *http.Request) {
	if !s.requireJSONContentType(w, r) {
		return
	}
	body, err := readBoundedBody(r)
	if err != nil {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: rpcInvalidRequest, Message: "request too large"}})
		return
	}

	var req rpcRequest
	if err := decodeStrictJSON(body, &req); err != nil {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: rpcInvalidRequest, Message: "invalid request"}})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: rpcInvalidRequest, Message: "invalid request"}})
		return
	}

	switch req.Method {
	case "initialize":
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": "temporal-agent-scheduler", "version": "1.0"},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		}})

	case "tools/list":
		names := tools.Names()
		list := make([]map[string]any, 0, len(names))
		for _, n := range names {
			list = append(list, map[string]any{"name": n})
		}
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{"tools": list}})

	case "tools/call":
		var p rpcCallParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: rpcInvalidRequest, Message: "invalid request"}})
				return
			}
		}
		if p.Name == "" {
			writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: rpcInvalidRequest, Message: "invalid request"}})
			return
		}
		session := tools.Session{ID: p.Context.SessionID}
		result, err := s.tools.Call(r.Context(), p.Name, session, p.Arguments)
		if err != nil {
			log.Error().Err(err).Str("tool", p.Name).Msg("rpc tool call failed")
			writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
				"success": false, "error": callerMessage(s.cfg, err),
			}})
			return
		}
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})

	default:
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: rpcMethodNotFound, Message: "method not found"}})
	}
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	writeJSON(w, http.StatusOK, resp)
}
