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

	"github.com/InsulaLabs/agentgate/config"
	"github.com/InsulaLabs/agentgate/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd(&out, &errOut)
	root.SetArgs(args)
	root.SetIn(strings.NewReader(""))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestParseFilters(t *testing.T) {
	tests := []struct {
		name    string
		raw     []string
		want    map[string]string
		wantErr bool
	}{
		{name: "none", raw: nil, want: map[string]string{}},
		{name: "pairs", raw: []string{"state=completed", "connection_id=c1"}, want: map[string]string{"state": "completed", "connection_id": "c1"}},
		{name: "value with equals", raw: []string{"q=a=b"}, want: map[string]string{"q": "a=b"}},
		{name: "empty value", raw: []string{"state="}, want: map[string]string{"state": ""}},
		{name: "missing equals", raw: []string{"state"}, wantErr: true},
		{name: "missing key", raw: []string{"=x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFilters(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseFilters() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestNewConfigCommand(t *testing.T) {
	out, err := execute(t, "new-config")
	require.NoError(t, err)
	cfg, err := config.ParseConfig([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, config.GenerateConfig().ListenAddr, cfg.ListenAddr)

	path := filepath.Join(t.TempDir(), "agentgate.yaml")
	_, err = execute(t, "new-config", path)
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.NoError(t, err)

	_, err = execute(t, "new-config", path)
	assert.Error(t, err, "existing file must not be overwritten")
}

func TestPingCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/ping" || r.Header.Get("x-api-key") != "governance.k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(models.PingResponse{Status: "ok", Role: "governance", WalletID: "admin"})
	}))
	defer srv.Close()

	out, err := execute(t, "--url", srv.URL, "--api-key", "governance.k", "-o", "json", "ping")
	require.NoError(t, err)

	var pong models.PingResponse
	require.NoError(t, json.Unmarshal([]byte(out), &pong))
	assert.Equal(t, "governance", pong.Role)

	_, err = execute(t, "--url", srv.URL, "--api-key", "governance.bad", "ping")
	assert.Error(t, err)
}

func TestPublishCommand(t *testing.T) {
	var (
		gotPath   string
		gotWallet string
		gotBody   map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotWallet = r.Header.Get("x-wallet-id")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	_, err := execute(t, "--url", srv.URL, "publish", "tenant", "connections", "--wallet", "w1", "--payload", `{"connection_id":"c1"}`)
	require.NoError(t, err)
	assert.Equal(t, "/tenant/topic/connections", gotPath)
	assert.Equal(t, "w1", gotWallet)
	assert.Equal(t, "c1", gotBody["connection_id"])

	_, err = execute(t, "--url", srv.URL, "publish", "tenant", "connections", "--payload", `[1,2]`)
	assert.Error(t, err)
}

func TestInvalidOutputFormat(t *testing.T) {
	_, err := execute(t, "-o", "yaml", "ping")
	assert.Error(t, err)
}

func TestRenderEventText(t *testing.T) {
	var buf bytes.Buffer
	r := renderer{out: &buf}
	require.NoError(t, r.event(models.Event{
		Topic:    models.TopicConnections,
		WalletID: "w1",
		Origin:   "tenant",
		Payload:  map[string]any{"state": "completed", "connection_id": "c1", "nested": map[string]any{"a": 1}},
	}))

	out := buf.String()
	for _, want := range []string{"connections", "w1@tenant", "completed", "connection_id", "c1", `{"a":1}`} {
		if !strings.Contains(out, want) {
			t.Errorf("renderer.event() got = %q, want it to contain %q", out, want)
		}
	}
	assert.Less(t, strings.Index(out, "connection_id"), strings.Index(out, "nested"))
}
