package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/launchdesk/internal/config"
	"github.com/kalambet/launchdesk/internal/health"
	"github.com/kalambet/launchdesk/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client(token string) *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      token,
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Environment: "test",
		Log:         config.LogConfig{Level: "error", Format: "json"},
		Database: config.DatabaseConfig{
			URL:          "sqlite://" + filepath.Join(t.TempDir(), "launchdesk.db"),
			PoolSize:     1,
			MaxIdle:      1,
			QueryTimeout: 5 * time.Second,
		},
		Retention: config.RetentionConfig{Days: 365, Interval: time.Hour},
		Metrics:   config.MetricsConfig{Enabled: true, Port: 9090, PersistTimeout: time.Second},
		Credentials: config.Credentials{
			SlackBotToken: "a", SlackSigningSecret: "b", SlackAppToken: "c",
			OpenAIAPIKey: "d", DatabricksHost: "e", DatabricksToken: "f",
		},
	}
}

// useConfig points every command at cfg for the duration of the test.
func useConfig(t *testing.T, cfg config.Config) {
	t.Helper()
	old := loadConfig
	loadConfig = func() (config.Config, error) { return cfg, nil }
	t.Cleanup(func() { loadConfig = old })
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

// resetFlags restores flag defaults; cobra keeps flag state between Execute calls.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func TestStatusClient(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /status": `{"status":"running","uptime_seconds":42,"environment":"staging","version":"1.0.0",
			"summary":{"window_days":7,"total_count":3,"success_count":2,"failure_count":1,"success_rate_percent":66.7,
			"average_latency_ms":12,"breakdown_by_operation":{"status":3}},
			"config":{"database_configured":true}}`,
	})

	resp, err := ts.client("secret").get(ctx, "/status")
	require.NoError(t, err)

	var p health.StatusPayload
	require.NoError(t, decodeJSON(resp, &p))
	assert.Equal(t, "running", p.Status)
	assert.Equal(t, "staging", p.Environment)
	require.NotNil(t, p.Summary)
	assert.Equal(t, int64(3), p.Summary.TotalCount)
	assert.True(t, p.Config.DatabaseConfigured)

	require.Len(t, ts.requests, 1)
	assert.Equal(t, "Bearer secret", ts.requests[0].Auth)
}

func TestStatusClientWithoutToken(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /status": `{"status":"running"}`})

	resp, err := ts.client("").get(ctx, "/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, ts.requests[0].Auth)
}

func TestDecodeJSONServerError(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client("").get(ctx, "/nope")
	require.NoError(t, err)

	var v map[string]any
	err = decodeJSON(resp, &v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestClientUnreachable(t *testing.T) {
	c := &apiClient{baseURL: "http://127.0.0.1:1", httpClient: &http.Client{Timeout: time.Second}}
	_, err := c.get(ctx, "/status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	assert.NotContains(t, result, "\033[")
	assert.Equal(t, "test message", result)

	noColor = false
	result = colorize(colorGreen, "test message")
	assert.Contains(t, result, "\033[")
}

func TestPrintHelpersWriteToDiag(t *testing.T) {
	var buf bytes.Buffer
	oldDiag, oldColor := diag, noColor
	diag, noColor = &buf, true
	defer func() { diag, noColor = oldDiag, oldColor }()

	printSuccess("stored %d", 2)
	printError("failed")
	printWarning("careful")
	printStatus("Window", "%d days", 7)
	printStep("purging")

	assert.Equal(t, "✓ stored 2\n✗ failed\n⚠ careful\n  Window: 7 days\n→ purging\n", buf.String())
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "launchdesk version dev\n", out)
}

func TestSessionStoreAndShow(t *testing.T) {
	useConfig(t, testConfig(t))

	_, err := execute(t, "--no-color", "session", "store", "U1", "--date", "2024-03-15", "--payload", `{"dept":"ok"}`)
	require.NoError(t, err)

	out, err := execute(t, "session", "show", "U1")
	require.NoError(t, err)

	var sess storage.Session
	require.NoError(t, json.Unmarshal([]byte(out), &sess))
	assert.Equal(t, "U1", sess.UserID)
	assert.Equal(t, "2024-03-15", sess.ContextDate)
	assert.JSONEq(t, `{"dept":"ok"}`, string(sess.PrimaryPayload))
	assert.True(t, sess.IsActive)
}

func TestSessionUpdate(t *testing.T) {
	useConfig(t, testConfig(t))

	_, err := execute(t, "session", "store", "U2", "--date", "2024-03-15")
	require.NoError(t, err)
	_, err = execute(t, "session", "update", "U2", "--date", "2024-03-16", "--supplementary", `["a","b"]`)
	require.NoError(t, err)

	out, err := execute(t, "session", "show", "U2")
	require.NoError(t, err)
	var sess storage.Session
	require.NoError(t, json.Unmarshal([]byte(out), &sess))
	assert.Equal(t, "2024-03-16", sess.ContextDate)
	assert.JSONEq(t, `["a","b"]`, string(sess.SupplementaryPayload))
}

func TestSessionStoreRejectsBadJSON(t *testing.T) {
	useConfig(t, testConfig(t))

	_, err := execute(t, "session", "store", "U1", "--date", "2024-03-15", "--payload", `{broken`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "valid JSON")
}

// TestSummaryCountsInstrumentedCommands checks commands persist their own metrics.
func TestSummaryCountsInstrumentedCommands(t *testing.T) {
	useConfig(t, testConfig(t))

	_, err := execute(t, "session", "store", "U1", "--date", "2024-03-15")
	require.NoError(t, err)
	_, err = execute(t, "session", "show", "nobody")
	require.NoError(t, err)

	out, err := execute(t, "summary", "--days", "1", "--json")
	require.NoError(t, err)

	var s storage.MetricSummary
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.Equal(t, int64(2), s.TotalCount)
	assert.Equal(t, int64(1), s.FailureCount, "not-found lookup is a failed operation")
	assert.Equal(t, map[string]int64{"session_store": 1, "session_get": 1}, s.BreakdownByOperation)
}

func TestSummaryWithoutDatabase(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.URL = ""
	useConfig(t, cfg)

	_, err := execute(t, "summary")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_configured")
}

func TestPurgeRequiresConfirm(t *testing.T) {
	useConfig(t, testConfig(t))

	_, err := execute(t, "purge")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--confirm")

	_, err = execute(t, "purge", "--confirm", "--days", "30")
	assert.NoError(t, err)
}

func TestHealthCommand(t *testing.T) {
	useConfig(t, testConfig(t))

	out, err := execute(t, "health", "--json")
	require.NoError(t, err)

	var rep health.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, health.StatusHealthy, rep.Status)
	assert.Equal(t, "dev", rep.Version)
}

func TestHealthCommandUnhealthy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Credentials.OpenAIAPIKey = ""
	useConfig(t, cfg)

	_, err := execute(t, "health")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unhealthy")
}

func TestConfigKeys(t *testing.T) {
	out, err := execute(t, "config", "keys")
	require.NoError(t, err)
	assert.Contains(t, out, "retention.days\n")
	assert.NotContains(t, out, "database.url")
}

func TestConfigShowMasksSecrets(t *testing.T) {
	useConfig(t, testConfig(t))

	out, err := execute(t, "--no-color", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "database.url = (set)")
	assert.False(t, strings.Contains(out, "launchdesk.db"))
}

func TestPayloadFlagFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"k":1}`), 0o600))

	cmd := &cobra.Command{}
	cmd.Flags().String("payload", "", "")
	require.NoError(t, cmd.Flags().Set("payload", "@"+path))

	raw, err := payloadFlag(cmd, "payload")
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":1}`, string(raw))

	require.NoError(t, cmd.Flags().Set("payload", "@"+path+".missing"))
	_, err = payloadFlag(cmd, "payload")
	assert.Error(t, err)
}

func TestScheduledSweeperRejectsOutOfRangeRetention(t *testing.T) {
	for _, days := range []int{0, -3, config.MaxRetentionDays + 1} {
		cfg := testConfig(t)
		cfg.Retention.Days = days

		a, err := buildApp(context.Background(), cfg)
		require.NoError(t, err)
		assert.Nil(t, scheduledSweeper(a), "retention.days = %d", days)
		a.Close()
	}
}

func TestScheduledSweeperKeepsFreshData(t *testing.T) {
	a, err := buildApp(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer a.Close()
	ctx := context.Background()

	_, err = a.gateway.StoreSession(ctx, "U1", "2024-03-15", nil, nil)
	require.NoError(t, err)

	sweeper := scheduledSweeper(a)
	require.NotNil(t, sweeper)
	res, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Total())

	_, err = a.gateway.GetActiveSession(ctx, "U1")
	assert.NoError(t, err)
}
