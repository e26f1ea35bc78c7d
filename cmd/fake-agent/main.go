// ABOUTME: Minimal fake agent for E2E testing — registers with the gateway and echoes tasks.
// ABOUTME: Usage: fake-agent [-gateway http://localhost:8080] [-listen :9100] [-name "Echo Agent"]
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/strandlabs/meshgate/internal/mesh"
	"github.com/strandlabs/meshgate/internal/routing"
)

func main() {
	gatewayURL := flag.String("gateway", "http://localhost:8080", "Gateway base URL")
	listen := flag.String("listen", ":9100", "Address to serve the agent on")
	advertise := flag.String("advertise", "", "URL the gateway should reach this agent at (default http://localhost<listen>)")
	name := flag.String("name", "Echo Agent", "Agent display name")
	agentID := flag.String("id", "e2e-echo-agent", "Agent ID")
	flag.Parse()

	if err := run(*gatewayURL, *listen, *advertise, *name, *agentID); err != nil {
		log.Fatal(err)
	}
}

func run(gatewayURL, listen, advertise, name, agentID string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if advertise == "" {
		addr := listen
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
		advertise = "http://" + addr
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /rpc", handleTask)

	server := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if err := register(ctx, gatewayURL, advertise, name, agentID); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "registered as %s, serving on %s\n", agentID, listen)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	deregister(gatewayURL, agentID)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	return server.Shutdown(shutdownCtx)
}

func register(ctx context.Context, gatewayURL, advertise, name, agentID string) error {
	desc := mesh.AgentDescriptor{
		AgentID:     agentID,
		Name:        name,
		Description: "echoes every task back with light formatting",
		URL:         advertise,
		Version:     "0.1.0",
		Skills: []mesh.Skill{
			{ID: "echo", Name: "Echo", Description: "repeat the input back"},
			{ID: "chat", Name: "Chat", Description: "plain conversational replies"},
		},
		Endpoints: map[string]string{
			mesh.TransportDelegate: "/rpc",
			mesh.TransportProbe:    "/healthz",
		},
		Capabilities: mesh.Capabilities{Streaming: false},
	}

	body, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("encoding descriptor: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gatewayURL+"/agents", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("registering with gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway rejected registration: status %d", resp.StatusCode)
	}
	return nil
}

func deregister(gatewayURL, agentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, gatewayURL+"/agents/"+agentID, nil)
	if err != nil {
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Printf("deregister failed: %v", err)
		return
	}
	resp.Body.Close()
}

// handleTask answers the delegation envelope the gateway's invoker sends.
func handleTask(w http.ResponseWriter, r *http.Request) {
	var envelope struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  struct {
			Message  routing.Message `json:"message"`
			TaskType string          `json:"task_type"`
		} `json:"params"`
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	log.Printf("received task [%s] type=%s", envelope.ID, envelope.Params.TaskType)

	var input string
	for _, part := range envelope.Params.Message.Parts {
		if part.Type == "text" {
			input = part.Text
			break
		}
	}

	// Small delay so cancellation paths are exercisable in E2E runs.
	time.Sleep(50 * time.Millisecond)

	reply := routing.Message{
		Role:  "agent",
		Parts: []routing.Part{{Type: "text", Text: echoReply(input)}},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"result":  reply,
		"usage":   map[string]int64{"tokens": int64(len(input)/4 + 20)},
		"id":      envelope.ID,
	})
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}
