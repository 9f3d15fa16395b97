package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := loadConfig()
	require.NoError(t, err)
	cfg.PollInterval = 5 * time.Millisecond
	return cfg
}

func startApp(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	a, err := buildApp(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.close() })
	srv := httptest.NewServer(a.router)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string, hdr ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig()
	require.NoError(t, err)
	require.Equal(t, "/mcp", cfg.Path)
	require.Equal(t, "memory", cfg.Store)
	require.Equal(t, time.Hour, cfg.TTL)
	require.Equal(t, 100*time.Millisecond, cfg.PollInterval)
	require.NoError(t, cfg.validate())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("MCPSTREAM_PATH", "/rpc")
	t.Setenv("MCPSTREAM_STORE", "redis")
	t.Setenv("SESSIONS_TTL", "5m")

	cfg, err := loadConfig()
	require.NoError(t, err)
	require.Equal(t, "/rpc", cfg.Path)
	require.Equal(t, "redis", cfg.Store)
	require.Equal(t, 5*time.Minute, cfg.TTL)
}

func TestConfigValidate(t *testing.T) {
	base := testConfig(t)
	cases := map[string]func(c *Config){
		"unknown store": func(c *Config) { c.Store = "sqlite" },
		"relative path": func(c *Config) { c.Path = "mcp" },
		"both key sources": func(c *Config) {
			c.JWTSecret = "x"
			c.JWKSURL = "http://example.com/keys"
		},
		"zero ttl": func(c *Config) { c.TTL = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			mutate(&c)
			require.Error(t, c.validate())
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(&buf, "json", "debug")
	require.NoError(t, err)
	log.Debug("hello", slog.String("k", "v"))
	require.Contains(t, buf.String(), `"msg":"hello"`)

	buf.Reset()
	log, err = newLogger(&buf, "console", "warn")
	require.NoError(t, err)
	log.Info("dropped")
	log.Warn("kept")
	require.NotContains(t, buf.String(), "dropped")
	require.Contains(t, buf.String(), "kept")

	_, err = newLogger(&buf, "xml", "info")
	require.Error(t, err)
	_, err = newLogger(&buf, "json", "loud")
	require.Error(t, err)
}

func TestRouter(t *testing.T) {
	srv := startApp(t, testConfig(t))

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	initResp := postJSON(t, srv.URL+"/mcp", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	require.Equal(t, http.StatusOK, initResp.StatusCode)
	require.NotEmpty(t, initResp.Header.Get("Mcp-Session-Id"))
	body, err := io.ReadAll(initResp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `"name":"mcpstream"`)

	mresp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	metrics, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	require.Contains(t, string(metrics), "mcpstream_http_requests_total")
	require.Contains(t, string(metrics), "go_goroutines")
}

func TestRouterRequiresBearerWhenSecretSet(t *testing.T) {
	cfg := testConfig(t)
	cfg.JWTSecret = "0123456789abcdef0123456789abcdef"
	srv := startApp(t, cfg)
	ping := `{"jsonrpc":"2.0","id":1,"method":"ping"}`

	resp := postJSON(t, srv.URL+"/mcp", ping)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, `Bearer realm="mcp"`, resp.Header.Get("WWW-Authenticate"))

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(cfg.JWTSecret))
	require.NoError(t, err)

	resp = postJSON(t, srv.URL+"/mcp", ping, "Authorization", "Bearer "+tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, slog.New(slog.DiscardHandler)) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestServeCommandRejectsBadStore(t *testing.T) {
	cmd := newRootCmd(testConfig(t))
	cmd.SetArgs([]string{"serve", "--store", "sqlite"})
	cmd.SetErr(io.Discard)
	cmd.SetOut(io.Discard)
	err := cmd.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "unknown store")
}

func writeServersFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "servers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const twoServers = `
servers:
  - name: tools
    version: 2.0.0
    path: /tools
    instructions: call echo
    capabilities:
      tools: {}
    methods: [echo]
  - name: agents
    path: /agents
`

func TestRouterMountsEveryServer(t *testing.T) {
	cfg := testConfig(t)
	cfg.ServersFile = writeServersFile(t, twoServers)
	srv := startApp(t, cfg)

	initialize := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`

	resp := postJSON(t, srv.URL+"/tools", initialize)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `"serverInfo":{"name":"tools","version":"2.0.0"}`)
	require.Contains(t, string(body), `"instructions":"call echo"`)
	require.Contains(t, string(body), `"capabilities":{"tools":{}}`)

	resp = postJSON(t, srv.URL+"/agents", initialize)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `"serverInfo":{"name":"agents","version":"0.1.0"}`)

	// tools only installs echo.
	resp = postJSON(t, srv.URL+"/tools", `{"jsonrpc":"2.0","id":2,"method":"countdown"}`)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `"code":-32601`)

	resp = postJSON(t, srv.URL+"/mcp", initialize)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	mresp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	metrics, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	require.Contains(t, string(metrics), `server="tools"`)
	require.Contains(t, string(metrics), `server="agents"`)
}

func TestServersFileValidation(t *testing.T) {
	cases := map[string]string{
		"empty":          "servers: []\n",
		"missing name":   "servers:\n  - path: /a\n",
		"relative path":  "servers:\n  - name: a\n    path: a\n",
		"reserved path":  "servers:\n  - name: a\n    path: /metrics\n",
		"duplicate path": "servers:\n  - name: a\n    path: /a\n  - name: b\n    path: /a\n",
		"duplicate name": "servers:\n  - name: a\n    path: /a\n  - name: a\n    path: /b\n",
		"not yaml":       "servers: [",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.ServersFile = writeServersFile(t, body)
			_, err := cfg.servers()
			require.Error(t, err)
		})
	}

	cfg := testConfig(t)
	cfg.ServersFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := cfg.servers()
	require.Error(t, err)
}

func TestBuildAppRejectsUnknownMethod(t *testing.T) {
	cfg := testConfig(t)
	cfg.ServersFile = writeServersFile(t, "servers:\n  - name: a\n    path: /a\n    methods: [nope]\n")
	_, err := buildApp(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.ErrorContains(t, err, "nope")
}

func TestStdioCommand(t *testing.T) {
	cmd := newRootCmd(testConfig(t))
	var out bytes.Buffer
	cmd.SetArgs([]string{"stdio", "--log-format", "json"})
	cmd.SetIn(strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"echo","params":{"hi":true}}` + "\n"))
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)

	require.NoError(t, cmd.ExecuteContext(context.Background()))
	require.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{"hi":true}}`, strings.TrimSpace(out.String()))
}

func TestStdioCommandSelectsServer(t *testing.T) {
	cfg := testConfig(t)
	cfg.ServersFile = writeServersFile(t, twoServers)

	var out bytes.Buffer
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}` + "\n")
	require.NoError(t, runStdio(context.Background(), cfg, "agents", in, &out, slog.New(slog.DiscardHandler)))
	require.Contains(t, out.String(), `"name":"agents"`)

	err := runStdio(context.Background(), cfg, "nobody", strings.NewReader(""), io.Discard, slog.New(slog.DiscardHandler))
	require.ErrorContains(t, err, "nobody")
}
