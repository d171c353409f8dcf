package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ferrolith/taskmux/internal/config"
	"github.com/ferrolith/taskmux/internal/store"
)

// apiClient talks to a running daemon over its HTTP API.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// newAPIClient resolves the daemon address and token from the same config
// the daemon reads. The token is read-only here: a missing auth.token means
// the daemon has not run yet and the request will simply be unauthorized.
func newAPIClient() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	token := cfg.AuthToken
	if token == "" {
		if b, readErr := os.ReadFile(filepath.Join(cfg.HomeDir, "auth.token")); readErr == nil {
			token = strings.TrimSpace(string(b))
		}
	}
	return &apiClient{
		baseURL: "http://" + strings.TrimSpace(cfg.BindAddr),
		token:   token,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode, apiError(resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// apiError surfaces the server's error code and message when the body
// carries the standard error envelope.
func apiError(status int, raw []byte) error {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Code != "" {
		return fmt.Errorf("%s: %s", envelope.Error.Code, envelope.Error.Message)
	}
	return fmt.Errorf("http %d: %s", status, strings.TrimSpace(string(raw)))
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// readPayload accepts inline JSON, @file, or "-" for stdin.
func readPayload(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var data []byte
	switch {
	case raw == "-":
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		data = b
	case strings.HasPrefix(raw, "@"):
		b, err := os.ReadFile(raw[1:])
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		data = b
	default:
		data = []byte(raw)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	return payload, nil
}

func runSubmitCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	taskType := fs.String("type", "", "task type (required)")
	client := fs.String("client", "", "client id (default: cli)")
	payload := fs.String("payload", "", `payload as JSON, @file, or - for stdin`)
	engineID := fs.String("engine", "", "engine id override")
	expiresIn := fs.Duration("expires-in", 0, "expiry relative to now (e.g. 30m)")
	run := fs.Bool("run", false, "execute the task synchronously after submission")
	timeout := fs.Duration("timeout", 0, "execution timeout (with -run)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *taskType == "" {
		fmt.Fprintln(os.Stderr, "usage: taskmux submit -type <type> [-payload <json>] [-run]")
		return 2
	}
	body, err := readPayload(*payload)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	req := map[string]any{
		"client":  *client,
		"type":    *taskType,
		"payload": body,
		"engine":  *engineID,
		"run":     *run,
	}
	if *expiresIn > 0 {
		req["expires_at"] = time.Now().Add(*expiresIn).UTC()
	}
	if *timeout > 0 {
		req["timeout_seconds"] = int(timeout.Seconds())
	}

	api, err := newAPIClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	var out map[string]any
	if _, err := api.do(ctx, http.MethodPost, "/api/v1/tasks", req, &out); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	printJSON(out)
	return 0
}

func runRunCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	engineID := fs.String("engine", "", "engine id override")
	timeout := fs.Duration("timeout", 0, "execution timeout")
	retries := fs.Int("retries", -1, "retry budget override (-1 means server default)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: taskmux run <task-id> [-engine <id>] [-timeout <dur>]")
		return 2
	}
	taskID := fs.Arg(0)

	req := map[string]any{}
	if *engineID != "" {
		req["engine"] = *engineID
	}
	if *timeout > 0 {
		req["timeout_seconds"] = int(timeout.Seconds())
	}
	if *retries >= 0 {
		req["max_retries"] = *retries
	}

	api, err := newAPIClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	var out map[string]any
	if _, err := api.do(ctx, http.MethodPost, "/api/v1/tasks/"+taskID+"/run", req, &out); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	printJSON(out)
	if status, _ := out["status"].(string); status == string(store.StatusFailed) {
		return 1
	}
	return 0
}

func runGetCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: taskmux get <task-id>")
		return 2
	}
	api, err := newAPIClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	var out map[string]any
	if _, err := api.do(ctx, http.MethodGet, "/api/v1/tasks/"+args[0], nil, &out); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	printJSON(out)
	return 0
}

func runListCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	status := fs.String("status", "", "filter by status (pending/running/completed/failed/expired)")
	client := fs.String("client", "", "filter by client id")
	taskType := fs.String("type", "", "filter by task type")
	limit := fs.Int("limit", 50, "max tasks to return")
	offset := fs.Int("offset", 0, "pagination offset")
	asJSON := fs.Bool("json", false, "print raw JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	q := make([]string, 0, 5)
	if *status != "" {
		q = append(q, "status="+*status)
	}
	if *client != "" {
		q = append(q, "client="+*client)
	}
	if *taskType != "" {
		q = append(q, "type="+*taskType)
	}
	q = append(q, fmt.Sprintf("limit=%d", *limit), fmt.Sprintf("offset=%d", *offset))

	api, err := newAPIClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	var out struct {
		Tasks []store.Task `json:"tasks"`
		Total int          `json:"total"`
	}
	if _, err := api.do(ctx, http.MethodGet, "/api/v1/tasks?"+strings.Join(q, "&"), nil, &out); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *asJSON {
		printJSON(out)
		return 0
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTYPE\tCLIENT\tAGE")
	for _, task := range out.Tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			task.ID, task.Status, task.Type, task.Client,
			time.Since(task.CreatedAt).Truncate(time.Second))
	}
	tw.Flush()
	fmt.Printf("%d of %d tasks\n", len(out.Tasks), out.Total)
	return 0
}

func runDeleteCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	force := fs.Bool("force", false, "cancel the task first if it is running")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: taskmux delete <task-id> [-force]")
		return 2
	}
	path := "/api/v1/tasks/" + fs.Arg(0)
	if *force {
		path += "?force=true"
	}

	api, err := newAPIClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	var out map[string]any
	if _, err := api.do(ctx, http.MethodDelete, path, nil, &out); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	printJSON(out)
	return 0
}
