package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ThomasVuNguyen/village/internal/registry"
	"github.com/ThomasVuNguyen/village/internal/route"
	"github.com/ThomasVuNguyen/village/internal/treeclient"
)

const secretEnv = "VILLAGE_SECRET"

// readSecret takes the shared secret from the environment or, with
// fromStdin, the first line of stdin.
func readSecret(fromStdin bool) (string, error) {
	if !fromStdin {
		if v := strings.TrimSpace(os.Getenv(secretEnv)); v != "" {
			return v, nil
		}
	}
	fmt.Fprint(os.Stderr, "secret: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	secret := strings.TrimSpace(line)
	if secret == "" {
		return "", fmt.Errorf("empty secret")
	}
	return secret, nil
}

func postHub(ctx context.Context, hubURL, path, token string, body, out any) (int, error) {
	return postHubTimeout(ctx, hubURL, path, token, body, out, treeclient.DefaultTimeout)
}

func postHubTimeout(ctx context.Context, hubURL, path, token string, body, out any, timeout time.Duration) (int, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(hubURL, "/")+path, bytes.NewReader(buf))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode >= 400 {
		var envelope struct {
			Detail string `json:"detail"`
		}
		_ = json.Unmarshal(payload, &envelope)
		if envelope.Detail == "" {
			envelope.Detail = strings.TrimSpace(string(payload))
		}
		return resp.StatusCode, fmt.Errorf("hub: %s", envelope.Detail)
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode hub response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func signinCmd(args []string) int {
	fs := flag.NewFlagSet("signin", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	hubURL := fs.String("hub", "", "hub base URL")
	principal := fs.String("principal", "", "principal to sign in as")
	secretStdin := fs.Bool("secret-stdin", false, "read the secret from stdin")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadCLIConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	if *hubURL != "" {
		cfg.Hub = *hubURL
	}
	if cfg.Hub == "" || *principal == "" {
		fmt.Fprintln(os.Stderr, "signin: --hub and --principal are required")
		return 2
	}

	secret, err := readSecret(*secretStdin)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}

	var out struct {
		Token string `json:"token"`
	}
	if _, err := postHub(context.Background(), cfg.Hub, "/v1/signin", "", map[string]string{
		"principal": *principal,
		"secret":    secret,
	}, &out); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}

	cfg.Token = out.Token
	cfg.Principal = *principal
	if err := saveCLIConfig(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	fmt.Printf("signed in as %s\n", *principal)
	return 0
}

// requireSession loads the saved config and fails unless signin has run.
func requireSession() (cliConfig, int) {
	cfg, err := loadCLIConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return cliConfig{}, 1
	}
	if cfg.Hub == "" || cfg.Token == "" || cfg.Principal == "" {
		fmt.Fprintln(os.Stderr, "not signed in: run `village signin` first")
		return cliConfig{}, 2
	}
	return cfg, 0
}

func registerCmd(args []string) int {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	deviceID := fs.String("device", "", "device id (default: config, generated on first run)")
	name := fs.String("name", "", "display name")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, code := requireSession()
	if code != 0 {
		return code
	}
	if *deviceID != "" {
		cfg.DeviceID = *deviceID
	}
	if err := ensureDeviceID(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	if *name != "" {
		cfg.DeviceName = *name
		if err := saveCLIConfig(cfg); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			return 1
		}
	}

	var out struct {
		DeviceID string `json:"device_id"`
		Owner    string `json:"owner"`
	}
	if _, err := postHub(context.Background(), cfg.Hub, "/v1/devices/register", cfg.Token, map[string]string{
		"device_id": cfg.DeviceID,
		"name":      cfg.DeviceName,
	}, &out); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	fmt.Printf("registered %s (owner %s)\n", out.DeviceID, out.Owner)
	return 0
}

func askCmd(args []string) int {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	to := fs.String("to", route.AutoTarget, "target device id, or auto for the most recent idle device")
	contentType := fs.String("content-type", "", "response content type hint")
	noWait := fs.Bool("no-wait", false, "print the route id without waiting for the response")
	timeout := fs.Duration("timeout", route.DefaultWaitTimeout, "how long to wait for the response")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	command := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if command == "" {
		fmt.Fprintln(os.Stderr, "ask: command required")
		return 2
	}

	cfg, code := requireSession()
	if code != 0 {
		return code
	}
	if err := ensureDeviceID(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The caller's own device must exist before it can originate routes.
	if _, err := postHub(ctx, cfg.Hub, "/v1/devices/register", cfg.Token, map[string]string{
		"device_id": cfg.DeviceID,
		"name":      cfg.DeviceName,
	}, nil); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}

	var out struct {
		RouteID string `json:"route_id"`
		Status  string `json:"status"`
	}
	if _, err := postHub(ctx, cfg.Hub, "/v1/ask", cfg.Token, map[string]string{
		"from_device_id": cfg.DeviceID,
		"to_device_id":   *to,
		"command":        command,
		"content_type":   *contentType,
	}, &out); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}

	if *noWait {
		fmt.Println(out.RouteID)
		return 0
	}

	store := treeclient.New(cfg.Hub, cfg.Token)
	routes := route.NewManager(store, registry.New(store))
	resp, err := routes.WaitForResponse(ctx, out.RouteID, *timeout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		fmt.Fprintf(os.Stderr, "route %s is still pending\n", out.RouteID)
		return 1
	}
	fmt.Print(resp.Output)
	if !strings.HasSuffix(resp.Output, "\n") {
		fmt.Println()
	}
	return 0
}

func respondCmd(args []string) int {
	fs := flag.NewFlagSet("respond", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	routeID := fs.String("route", "", "route id to answer")
	output := fs.String("output", "", "response body")
	contentType := fs.String("content-type", "", "response content type")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *routeID == "" {
		fmt.Fprintln(os.Stderr, "respond: --route is required")
		return 2
	}

	cfg, code := requireSession()
	if code != 0 {
		return code
	}
	if err := ensureDeviceID(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}

	var out struct {
		RouteID string `json:"route_id"`
		Status  string `json:"status"`
	}
	if _, err := postHub(context.Background(), cfg.Hub, "/v1/respond", cfg.Token, map[string]string{
		"route_id":       *routeID,
		"from_device_id": cfg.DeviceID,
		"output":         *output,
		"content_type":   *contentType,
	}, &out); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	fmt.Printf("%s %s\n", out.RouteID, out.Status)
	return 0
}

func statusCmd(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, code := requireSession()
	if code != 0 {
		return code
	}

	store := treeclient.New(cfg.Hub, cfg.Token)
	devices, err := registry.New(store).List(context.Background(), cfg.Principal)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	if len(devices) == 0 {
		fmt.Println("no devices registered")
		return 0
	}
	for _, d := range devices {
		seen := "never"
		if d.LastSeenAt > 0 {
			seen = time.Unix(d.LastSeenAt, 0).UTC().Format(time.RFC3339)
		}
		marker := " "
		if d.DeviceID == cfg.DeviceID {
			marker = "*"
		}
		fmt.Printf("%s %-36s %-8s last seen %s  %s\n", marker, d.DeviceID, d.Status, seen, d.Name)
	}
	return 0
}

func callCmd(args []string) int {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	hubURL := fs.String("hub", "", "hub base URL (default: config)")
	principal := fs.String("principal", "", "shared account principal")
	app := fs.String("app", "", "target app")
	argsJSON := fs.String("args", "", "JSON arguments for the app")
	callID := fs.String("call-id", "", "call id (default: generated)")
	secretStdin := fs.Bool("secret-stdin", false, "read the secret from stdin")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadCLIConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	if *hubURL != "" {
		cfg.Hub = *hubURL
	}
	if cfg.Hub == "" || *principal == "" || *app == "" {
		fmt.Fprintln(os.Stderr, "call: --principal and --app are required (and a hub via --hub or signin)")
		return 2
	}
	if *argsJSON != "" && !json.Valid([]byte(*argsJSON)) {
		fmt.Fprintln(os.Stderr, "call: --args must be valid JSON")
		return 2
	}

	secret, err := readSecret(*secretStdin)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}

	body := map[string]any{
		"principal": *principal,
		"secret":    secret,
		"app":       *app,
	}
	if *argsJSON != "" {
		body["args"] = json.RawMessage(*argsJSON)
	}
	if *callID != "" {
		body["call_id"] = *callID
	}

	var out struct {
		Status string          `json:"status"`
		CallID string          `json:"call_id"`
		Result json.RawMessage `json:"result"`
	}
	// The portal holds the request open for its bounded wait window.
	if _, err := postHubTimeout(context.Background(), cfg.Hub, "/v1/portal", "", body, &out, 30*time.Second); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	if out.Status == "queued" {
		fmt.Printf("queued (call_id %s)\n", out.CallID)
		return 0
	}
	fmt.Println(string(out.Result))
	return 0
}
