package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dispctl/host/internal/config"
	apperrors "github.com/dispctl/host/internal/errors"
	"github.com/dispctl/host/internal/server"
	dtls "github.com/dispctl/host/internal/tls"
)

// tokenEnv supplies --token when the flag is omitted.
const tokenEnv = "DISPCTL_TOKEN"

// clientFlags are shared by every command that talks to a running daemon.
type clientFlags struct {
	addr        string
	token       string
	fingerprint string
	timeout     time.Duration
	json        bool
}

func (cf *clientFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&cf.addr, "addr", config.DefaultAddr, "Daemon address (host:port or URL)")
	fs.StringVar(&cf.token, "token", "", "API token (default: $"+tokenEnv+")")
	fs.StringVar(&cf.fingerprint, "fingerprint", "", "Pinned certificate fingerprint; implies https")
	fs.DurationVar(&cf.timeout, "timeout", 5*time.Second, "Request timeout")
	fs.BoolVar(&cf.json, "json", false, "Output in JSON format")
}

func (cf *clientFlags) client() *apiClient {
	token := cf.token
	if token == "" {
		token = os.Getenv(tokenEnv)
	}
	return newAPIClient(cf.addr, token, cf.fingerprint, cf.timeout)
}

// apiClient calls the daemon HTTP API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(addr, token, fingerprint string, timeout time.Duration) *apiClient {
	transport := &http.Transport{}
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		if fingerprint != "" {
			base = "https://" + base
		} else {
			base = "http://" + base
		}
	}
	if fingerprint != "" {
		transport.TLSClientConfig = dtls.PinnedClientConfig(fingerprint)
	}
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: timeout, Transport: transport},
	}
}

// do sends body as JSON and decodes the reply into out. Error bodies come
// back as coded errors.
func (c *apiClient) do(method, path string, body, out interface{}) error {
	raw, err := c.raw(method, path, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *apiClient) raw(method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeServerUnreachable, "failed to connect to daemon at "+c.base, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var e server.ErrorPayload
		if json.Unmarshal(data, &e) == nil && e.Code != "" {
			return nil, apperrors.New(e.Code, e.Message)
		}
		return nil, fmt.Errorf("daemon returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return data, nil
}

// printError writes err and, for coded errors, what to try next.
func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)
	if hint := apperrors.GetNextAction(apperrors.GetCode(err)); hint != "" {
		fmt.Fprintf(w, "Hint: %s\n", hint)
	}
}

func writeJSONOutput(w io.Writer, v interface{}) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
