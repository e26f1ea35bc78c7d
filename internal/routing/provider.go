// ABOUTME: Provider invocation layer: JSON-RPC over HTTP behind circuit breakers.
// ABOUTME: Maps network failures to TransportError and RPC rejections to BusinessError.

package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/strandlabs/meshgate/internal/mesh"
)

// Invoker dispatches one task to one named provider. The router owns fallback
// iteration; an Invoker performs exactly one attempt.
type Invoker interface {
	Invoke(ctx context.Context, providerID string, req *TaskRequest) (*TaskResult, error)
}

// Directory resolves provider ids to agent descriptors. Satisfied by
// *mesh.Registry.
type Directory interface {
	Discover(agentID string) (*mesh.AgentDescriptor, error)
}

// BreakerConfig tunes the per-provider circuit breakers.
type BreakerConfig struct {
	MaxFailures uint32
	OpenTimeout time.Duration
	Interval    time.Duration
}

const (
	defaultBreakerMaxFailures uint32 = 5
	defaultBreakerOpenTimeout        = 30 * time.Second
	defaultBreakerInterval           = 60 * time.Second
)

// HTTPInvoker invokes providers over their delegate endpoint using a JSON-RPC
// 2.0 envelope. Each provider gets its own circuit breaker: once a provider
// fails repeatedly, calls fail fast with a TransportError so the router can
// move to the next fallback without waiting out a timeout.
type HTTPInvoker struct {
	directory Directory
	client    *http.Client
	cfg       BreakerConfig
	logger    *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*TaskResult]
}

// NewHTTPInvoker creates an HTTPInvoker. Pass nil client for a default with
// a 60s overall timeout; per-call deadlines come from the context.
func NewHTTPInvoker(directory Directory, client *http.Client, cfg BreakerConfig, logger *slog.Logger) *HTTPInvoker {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultBreakerMaxFailures
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = defaultBreakerOpenTimeout
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultBreakerInterval
	}
	return &HTTPInvoker{
		directory: directory,
		client:    client,
		cfg:       cfg,
		logger:    logger.With("component", "invoker"),
		breakers:  make(map[string]*gobreaker.CircuitBreaker[*TaskResult]),
	}
}

// rpcRequest is the client side of the delegation envelope.
type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      string    `json:"id"`
}

type rpcParams struct {
	Message     Message           `json:"message"`
	TaskType    string            `json:"task_type,omitempty"`
	WorkspaceID string            `json:"workspace_id"`
	UserID      string            `json:"user_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Usage   *rpcUsage       `json:"usage,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      string          `json:"id"`
}

// rpcUsage is the optional accounting block providers may attach.
type rpcUsage struct {
	Tokens int64 `json:"tokens"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Invoke implements Invoker.
func (inv *HTTPInvoker) Invoke(ctx context.Context, providerID string, req *TaskRequest) (*TaskResult, error) {
	breaker := inv.breakerFor(providerID)

	result, err := breaker.Execute(func() (*TaskResult, error) {
		return inv.call(ctx, providerID, req)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, &TransportError{Provider: providerID, Err: fmt.Errorf("circuit open: %w", err)}
	}
	return result, err
}

// call performs one HTTP round trip against the provider's delegate endpoint.
func (inv *HTTPInvoker) call(ctx context.Context, providerID string, req *TaskRequest) (*TaskResult, error) {
	desc, err := inv.directory.Discover(providerID)
	if err != nil {
		// Deregistered mid-chain: treat as a delivery failure so the router
		// advances to the next fallback.
		return nil, &TransportError{Provider: providerID, Err: err}
	}

	envelope := rpcRequest{
		JSONRPC: "2.0",
		Method:  "task/send",
		Params: rpcParams{
			Message:     req.Message,
			TaskType:    req.TaskType,
			WorkspaceID: req.WorkspaceID,
			UserID:      req.UserID,
			Metadata:    req.Metadata,
		},
		ID: req.TaskID,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encoding task envelope: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, delegateURL(desc), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building task request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Workspace-Id", req.WorkspaceID)

	resp, err := inv.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Provider: providerID, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return nil, &TransportError{
			Provider: providerID,
			Err:      fmt.Errorf("provider returned status %d", resp.StatusCode),
		}
	}
	if resp.StatusCode >= 400 {
		return nil, &BusinessError{
			Provider: providerID,
			Code:     resp.StatusCode,
			Message:  fmt.Sprintf("provider returned status %d", resp.StatusCode),
		}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &TransportError{Provider: providerID, Err: fmt.Errorf("reading response: %w", err)}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return nil, &TransportError{Provider: providerID, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if rpcResp.Error != nil {
		return nil, &BusinessError{
			Provider: providerID,
			Code:     rpcResp.Error.Code,
			Message:  rpcResp.Error.Message,
		}
	}

	var msg Message
	if len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, &msg); err != nil {
			return nil, &TransportError{Provider: providerID, Err: fmt.Errorf("decoding result message: %w", err)}
		}
	}
	result := &TaskResult{Provider: providerID, Message: msg, Raw: rpcResp.Result}
	if rpcResp.Usage != nil {
		result.Tokens = rpcResp.Usage.Tokens
	}
	return result, nil
}

func (inv *HTTPInvoker) breakerFor(providerID string) *gobreaker.CircuitBreaker[*TaskResult] {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if cb, ok := inv.breakers[providerID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[*TaskResult](gobreaker.Settings{
		Name:        "provider:" + providerID,
		MaxRequests: 1, // one probe in half-open
		Interval:    inv.cfg.Interval,
		Timeout:     inv.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= inv.cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			inv.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// Business rejections are the provider working correctly; only
			// delivery failures should open the circuit.
			return err == nil || !IsTransport(err)
		},
	})
	inv.breakers[providerID] = cb
	return cb
}

// delegateURL resolves the provider's delegate endpoint relative to its URL.
func delegateURL(desc *mesh.AgentDescriptor) string {
	ep := desc.Endpoints[mesh.TransportDelegate]
	if strings.HasPrefix(ep, "http://") || strings.HasPrefix(ep, "https://") {
		return ep
	}
	return strings.TrimSuffix(desc.URL, "/") + "/" + strings.TrimPrefix(ep, "/")
}
