// ABOUTME: Admin CLI for meshgate agent and usage management
// ABOUTME: Talks to the gateway HTTP API with optional JWT authentication

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/strandlabs/meshgate/internal/gateway"
	"github.com/strandlabs/meshgate/internal/mesh"
	"github.com/strandlabs/meshgate/internal/routing"
)

const banner = `
                     _                       _           _
 _ __ ___   ___  ___| |__         __ _  __ _| |_ __ ___ (_)_ __
| '_ ' _ \ / _ \/ __| '_ \ _____ / _' |/ _' | | '_ ' _ \| | '_ \
| | | | | |  __/\__ \ | | |_____| (_| | (_| | | | | | | | | | | |
|_| |_| |_|\___||___/_| |_|      \__,_|\__,_|_|_| |_| |_|_|_| |_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := os.Getenv("MESHGATE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	client := &adminClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   os.Getenv("MESHGATE_TOKEN"),
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(ctx, client)
	case "agents":
		err = cmdAgents(ctx, client, args)
	case "card":
		err = cmdCard(ctx, client, args)
	case "usage":
		err = cmdUsage(ctx, client)
	case "send":
		err = cmdSend(ctx, client, args)
	case "task":
		err = cmdTask(ctx, client, args)
	case "cancel":
		err = cmdCancel(ctx, client, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: mesh-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  status                        Show gateway health")
	fmt.Println("  agents                        List reachable agents")
	fmt.Println("  agents register <file.json>   Register an agent from a descriptor file")
	fmt.Println("  agents delete <agent-id>      Deregister an agent")
	fmt.Println("  card <agent-id>               Show an agent's capability card")
	fmt.Println("  usage                         Show per-provider usage and alerts")
	fmt.Println("  send <task-type> <text>       Dispatch a task and wait for the result")
	fmt.Println("  task <task-id>                Show a task's state")
	fmt.Println("  cancel <task-id>              Cancel an in-flight task")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  MESHGATE_URL    Gateway base URL (default: http://localhost:8080)")
	fmt.Println("  MESHGATE_TOKEN  JWT bearer token (when the gateway requires auth)")
}

type adminClient struct {
	baseURL string
	token   string
}

func (c *adminClient) do(ctx context.Context, method, path string, body any) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("reading response: %w", err)
	}
	return raw, resp.StatusCode, nil
}

func (c *adminClient) get(ctx context.Context, path string, out any) error {
	raw, status, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(raw)))
	}
	return json.Unmarshal(raw, out)
}

func (c *adminClient) rpc(ctx context.Context, method string, params any, result any) error {
	raw, status, err := c.do(ctx, http.MethodPost, "/rpc", map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      1,
	})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(raw)))
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("rpc error %d: %s", envelope.Error.Code, envelope.Error.Message)
	}
	return json.Unmarshal(envelope.Result, result)
}

func cmdStatus(ctx context.Context, client *adminClient) error {
	var status struct {
		Status        string `json:"status"`
		Agents        int    `json:"agents"`
		DegradedStore bool   `json:"degraded_store"`
	}
	if err := client.get(ctx, "/healthz", &status); err != nil {
		return err
	}

	color.Green("● gateway %s", status.Status)
	fmt.Printf("  agents registered: %d\n", status.Agents)
	if status.DegradedStore {
		color.Yellow("  durable store unavailable, running in-memory only")
	}
	return nil
}

func cmdAgents(ctx context.Context, client *adminClient, args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "list":
		case "register":
			if len(args) < 2 {
				return fmt.Errorf("usage: mesh-admin agents register <file.json>")
			}
			return registerAgent(ctx, client, args[1])
		case "delete":
			if len(args) < 2 {
				return fmt.Errorf("usage: mesh-admin agents delete <agent-id>")
			}
			return deleteAgent(ctx, client, args[1])
		default:
			return fmt.Errorf("unknown agents subcommand: %s", args[0])
		}
	}

	var aggregate gateway.AggregateCard
	if err := client.get(ctx, "/agents", &aggregate); err != nil {
		return err
	}

	if len(aggregate.Agents) == 0 {
		fmt.Println("no reachable agents")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVERSION\tURL\tSKILLS")
	for _, a := range aggregate.Agents {
		skills := make([]string, 0, len(a.Skills))
		for _, s := range a.Skills {
			skills = append(skills, s.ID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Name, a.Version, a.URL, strings.Join(skills, ","))
	}
	return w.Flush()
}

func registerAgent(ctx context.Context, client *adminClient, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading descriptor: %w", err)
	}
	var desc mesh.AgentDescriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return fmt.Errorf("parsing descriptor: %w", err)
	}

	body, status, err := client.do(ctx, http.MethodPost, "/agents", desc)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(body)))
	}
	color.Green("registered %s", desc.AgentID)
	return nil
}

func deleteAgent(ctx context.Context, client *adminClient, agentID string) error {
	body, status, err := client.do(ctx, http.MethodDelete, "/agents/"+agentID, nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent {
		return fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(body)))
	}
	color.Green("deregistered %s", agentID)
	return nil
}

func cmdCard(ctx context.Context, client *adminClient, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: mesh-admin card <agent-id>")
	}

	var card gateway.AgentCard
	if err := client.get(ctx, "/agents/"+args[0]+"/card", &card); err != nil {
		return err
	}

	color.Cyan("%s (%s)", card.Name, card.Version)
	if card.Description != "" {
		fmt.Printf("  %s\n", card.Description)
	}
	fmt.Printf("  url: %s\n", card.URL)
	fmt.Printf("  streaming=%v push=%v state_transfer=%v\n",
		card.Capabilities.Streaming,
		card.Capabilities.PushNotifications,
		card.Capabilities.StateTransfer)
	fmt.Println("  skills:")
	for _, s := range card.Skills {
		fmt.Printf("    %-20s %s\n", s.ID, s.Description)
	}
	return nil
}

func cmdUsage(ctx context.Context, client *adminClient) error {
	var resp gateway.UsageResponse
	if err := client.get(ctx, "/usage", &resp); err != nil {
		return err
	}

	if len(resp.Providers) == 0 {
		fmt.Println("no usage recorded")
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROVIDER\tCALLS TODAY\tCALLS MONTH\tTOKENS TODAY\tQUOTA")
		for _, p := range resp.Providers {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.0f%%\n",
				p.Provider, p.CallsToday, p.CallsThisMonth, p.TokensToday, p.QuotaUsed*100)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	for _, a := range resp.Alerts {
		color.Yellow("alert: %s %s at %.0f%% (%s)", a.Provider, a.Kind, a.Ratio*100, a.At.Format(time.RFC3339))
	}
	return nil
}

func cmdSend(ctx context.Context, client *adminClient, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: mesh-admin send <task-type> <text>")
	}

	params := map[string]any{
		"task_type": args[0],
		"wait":      true,
		"message": routing.Message{
			Role:  "user",
			Parts: []routing.Part{{Type: "text", Text: strings.Join(args[1:], " ")}},
		},
	}

	var result struct {
		Task gateway.Task `json:"task"`
	}
	if err := client.rpc(ctx, "task/send", params, &result); err != nil {
		return err
	}

	printTask(result.Task)
	return nil
}

func cmdTask(ctx context.Context, client *adminClient, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: mesh-admin task <task-id>")
	}

	var result struct {
		Task gateway.Task `json:"task"`
	}
	if err := client.rpc(ctx, "task/get", map[string]string{"id": args[0]}, &result); err != nil {
		return err
	}

	printTask(result.Task)
	return nil
}

func cmdCancel(ctx context.Context, client *adminClient, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: mesh-admin cancel <task-id>")
	}

	var result struct {
		Task gateway.Task `json:"task"`
	}
	if err := client.rpc(ctx, "task/cancel", map[string]string{"id": args[0]}, &result); err != nil {
		return err
	}

	printTask(result.Task)
	return nil
}

func printTask(task gateway.Task) {
	switch task.Status {
	case gateway.TaskCompleted:
		color.Green("task %s: %s", task.ID, task.Status)
	case gateway.TaskFailed:
		color.Red("task %s: %s", task.ID, task.Status)
	default:
		color.Yellow("task %s: %s", task.ID, task.Status)
	}
	if task.Error != "" {
		fmt.Printf("  error: %s\n", task.Error)
	}
	if task.Result != nil {
		for _, part := range task.Result.Message.Parts {
			if part.Type == "text" {
				fmt.Println(part.Text)
			}
		}
	}
}
