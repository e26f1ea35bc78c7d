// ABOUTME: JSON-RPC 2.0 endpoint for peer-agent task delegation.
// ABOUTME: Methods task/send, task/get, task/cancel over POST /rpc.

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/strandlabs/meshgate/internal/routing"
)

// JSON-RPC 2.0 error codes, plus application codes in the -32000 range.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603

	codeTaskNotFound = -32000
	codeWaitExpired  = -32001
)

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// sendParams is the task/send parameter shape. Wait makes the call block
// until the task reaches a terminal state instead of returning the submitted
// snapshot immediately.
type sendParams struct {
	TaskID   string            `json:"task_id,omitempty"`
	TaskType string            `json:"task_type,omitempty"`
	Target   string            `json:"target,omitempty"`
	Message  routing.Message   `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Wait     bool              `json:"wait,omitempty"`
}

type taskRefParams struct {
	ID string `json:"id"`
}

// taskResult wraps every task method's result.
type taskResult struct {
	Task Task `json:"task"`
}

// handleRPC handles POST /rpc.
func (g *Gateway) handleRPC(w http.ResponseWriter, r *http.Request) {
	principal, err := g.resolver.Resolve(r)
	if err != nil {
		g.sendJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var env rpcEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		g.writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "parse error"}})
		return
	}
	if env.JSONRPC != "2.0" || env.Method == "" {
		g.writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: env.ID, Error: &rpcError{Code: codeInvalidRequest, Message: "invalid request"}})
		return
	}

	var result any
	var rpcErr *rpcError
	switch env.Method {
	case "task/send":
		result, rpcErr = g.rpcTaskSend(r, principal, env.Params)
	case "task/get":
		result, rpcErr = g.rpcTaskGet(principal, env.Params)
	case "task/cancel":
		result, rpcErr = g.rpcTaskCancel(principal, env.Params)
	default:
		rpcErr = &rpcError{Code: codeMethodNotFound, Message: "method not found: " + env.Method}
	}

	g.writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: env.ID, Result: result, Error: rpcErr})
}

func (g *Gateway) rpcTaskSend(r *http.Request, principal Principal, params json.RawMessage) (any, *rpcError) {
	var p sendParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	if len(p.Message.Parts) == 0 {
		return nil, &rpcError{Code: codeInvalidParams, Message: "message must have at least one part"}
	}
	if p.TaskType == "" {
		p.TaskType = "default"
	}

	req := &routing.TaskRequest{
		TaskID:         p.TaskID,
		TaskType:       p.TaskType,
		ExplicitTarget: p.Target,
		WorkspaceID:    principal.WorkspaceID,
		UserID:         principal.UserID,
		Message:        p.Message,
		Metadata:       p.Metadata,
	}

	task := g.tasks.Submit(r.Context(), req)
	if !p.Wait {
		return taskResult{Task: task}, nil
	}

	task, err := g.tasks.Wait(r.Context(), task.ID)
	if err != nil {
		return nil, &rpcError{
			Code:    codeWaitExpired,
			Message: "wait interrupted: " + err.Error(),
			Data:    map[string]string{"task_id": req.TaskID},
		}
	}
	return taskResult{Task: task}, nil
}

// rpcTaskGet is the poll path. It exists for requesters that lost their
// connection mid-task; waiting on task/send is the primary mechanism. Tasks
// are only visible to the workspace that submitted them.
func (g *Gateway) rpcTaskGet(principal Principal, params json.RawMessage) (any, *rpcError) {
	var p taskRefParams
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "invalid params: id is required"}
	}
	task, err := g.tasks.Get(principal.WorkspaceID, p.ID)
	if errors.Is(err, ErrTaskNotFound) {
		return nil, &rpcError{Code: codeTaskNotFound, Message: "task not found"}
	}
	return taskResult{Task: task}, nil
}

func (g *Gateway) rpcTaskCancel(principal Principal, params json.RawMessage) (any, *rpcError) {
	var p taskRefParams
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "invalid params: id is required"}
	}
	task, err := g.tasks.Cancel(principal.WorkspaceID, p.ID)
	if errors.Is(err, ErrTaskNotFound) {
		return nil, &rpcError{Code: codeTaskNotFound, Message: "task not found"}
	}
	return taskResult{Task: task}, nil
}

func (g *Gateway) writeRPC(w http.ResponseWriter, resp rpcResponse) {
	g.writeJSON(w, http.StatusOK, resp)
}
