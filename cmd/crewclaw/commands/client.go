package commands

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "crewclaw"

	// keyringAuthToken is the key name for the daemon API token.
	keyringAuthToken = "auth_token"

	defaultServerURL = "http://localhost:8787"
)

// storeKeyring saves a secret to the OS keyring.
func storeKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// getKeyring retrieves a secret from the OS keyring.
// Returns empty string if not found.
func getKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// keyringAvailable checks if the OS keyring is accessible.
func keyringAvailable() bool {
	testKey := "__crewclaw_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// resolveToken resolves the API token: --token flag, OS keyring, then the
// CREWCLAW_AUTH_TOKEN env var. Returns empty string when nothing is set;
// interactive commands may follow up with promptToken.
func resolveToken(cmd *cobra.Command) string {
	if tok, _ := cmd.Flags().GetString("token"); tok != "" {
		return tok
	}
	if tok := getKeyring(keyringAuthToken); tok != "" {
		return tok
	}
	return os.Getenv("CREWCLAW_AUTH_TOKEN")
}

// promptToken reads a token from the terminal without echo. Returns empty
// string when stdin is not a terminal.
func promptToken() string {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return ""
	}
	fmt.Print("API token (empty if the daemon runs without auth): ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// apiClient is a thin HTTP client for the daemon API.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// newAPIClient builds a client from the --server and --token flags.
func newAPIClient(cmd *cobra.Command) *apiClient {
	server, _ := cmd.Flags().GetString("server")
	if server == "" {
		server = defaultServerURL
	}
	return &apiClient{
		baseURL: strings.TrimRight(server, "/"),
		token:   resolveToken(cmd),
		// No overall timeout: /api/chat streams for as long as the turn runs.
		http: &http.Client{},
	}
}

// addClientFlags registers the flags shared by daemon-client commands.
func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", defaultServerURL, "daemon API base URL")
	cmd.Flags().String("token", "", "API token (default: keyring, then CREWCLAW_AUTH_TOKEN)")
}

func (c *apiClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// get performs a GET request and returns the response body.
func (c *apiClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, body)
	}
	return body, nil
}

// postJSON performs a POST request with a JSON body.
func (c *apiClient) postJSON(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, body)
	}
	return body, nil
}

// streamFrame is one SSE frame from /api/chat or /api/events.
type streamFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// chatStream posts one chat turn and calls onFrame for every SSE frame until
// the stream ends.
func (c *apiClient) chatStream(ctx context.Context, text string, onFrame func(streamFrame)) error {
	data, err := json.Marshal(map[string]string{"message": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return apiError(resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var f streamFrame
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f); err != nil {
			continue
		}
		if f.Type == "stream_end" {
			return nil
		}
		onFrame(f)
	}
	return scanner.Err()
}

// apiError converts a non-200 response into an error.
func apiError(status int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		if status == http.StatusUnauthorized {
			return fmt.Errorf("%s (set a token via --token, the keyring or CREWCLAW_AUTH_TOKEN)", payload.Error)
		}
		return fmt.Errorf("%s", payload.Error)
	}
	return fmt.Errorf("daemon returned HTTP %d", status)
}

// printJSON pretty-prints a JSON body to stdout.
func printJSON(body []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		os.Stdout.Write(body)
		fmt.Println()
		return
	}
	fmt.Println(buf.String())
}

// shortTimeout returns a context for quick request/response calls.
func shortTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}
