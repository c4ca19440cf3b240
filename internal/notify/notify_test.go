package notify

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oszuidwest/zwfm-recorder/internal/types"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

func TestWebhookAlert(t *testing.T) {
	var (
		mu      sync.Mutex
		payload WebhookPayload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		mu.Lock()
		defer mu.Unlock()
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Error(err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := New(Config{StationName: "Test FM", WebhookURL: srv.URL})
	n.Alert(KindCritical, "critical: restart limit of 5 attempts reached, stopping recording")
	n.Wait()

	mu.Lock()
	defer mu.Unlock()
	if payload.Event != "critical" || payload.Station != "Test FM" {
		t.Errorf("payload = %+v", payload)
	}
	if !strings.Contains(payload.Message, "restart limit") {
		t.Errorf("message = %q", payload.Message)
	}
	if payload.Timestamp == "" {
		t.Error("timestamp missing")
	}
}

func TestWebhookNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := New(Config{WebhookURL: srv.URL})
	err := n.Test(ChannelWebhook)
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("Test(webhook) = %v, want status 502 error", err)
	}
}

func TestTestErrors(t *testing.T) {
	n := New(Config{})

	tests := []struct {
		ch   Channel
		want error
	}{
		{"pager", ErrUnknownChannel},
		{ChannelWebhook, ErrNotConfigured},
		{ChannelEmail, ErrNotConfigured},
		{ChannelZabbix, ErrNotConfigured},
		{ChannelLog, ErrNotConfigured},
	}
	for _, tt := range tests {
		if err := n.Test(tt.ch); !errors.Is(err, tt.want) {
			t.Errorf("Test(%q) = %v, want %v", tt.ch, err, tt.want)
		}
	}
}

func TestConfigured(t *testing.T) {
	n := New(Config{
		WebhookURL: "http://example.com/hook",
		LogPath:    "/tmp/alerts.log",
		Zabbix:     types.ZabbixConfig{Server: "zabbix", Host: "recorder"},
	})
	got := n.Configured()
	if len(got) != 2 || got[0] != ChannelWebhook || got[1] != ChannelLog {
		t.Errorf("Configured() = %v, want [webhook log]", got)
	}
}

func TestLogChannel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.log")
	n := New(Config{LogPath: path})

	n.Alert(KindStall, "stall: no audio data for 10.2s (stall #1)")
	n.Wait()
	if err := n.Test(ChannelLog); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("log lines = %q, want 2", lines)
	}
	if !strings.Contains(lines[0], "[stall] stall: no audio data for 10.2s (stall #1)") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.Contains(lines[1], "[test]") {
		t.Errorf("line 1 = %q", lines[1])
	}
}

// fakeZabbix accepts one trapper connection per call and replies with info.
func fakeZabbix(t *testing.T, info string) (host string, port int, got <-chan zabbixRequest) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	ch := make(chan zabbixRequest, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		header := make([]byte, zabbixHeaderSize)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		body := make([]byte, binary.LittleEndian.Uint64(header[5:]))
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		var req zabbixRequest
		_ = json.Unmarshal(body, &req)
		ch <- req

		reply, _ := json.Marshal(zabbixResponse{Response: "success", Info: info})
		_, _ = conn.Write(zabbixFrame(reply))
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port, ch
}

func TestZabbixAlert(t *testing.T) {
	host, port, got := fakeZabbix(t, "processed: 1; failed: 0; total: 1; seconds spent: 0.000055")

	cfg := types.ZabbixConfig{Server: host, Port: port, Host: "recorder-1", Key: "recorder.alert"}
	if err := sendZabbixEvent(cfg, zabbixValue(KindCritical, "segment create failed")); err != nil {
		t.Fatal(err)
	}

	req := <-got
	if req.Request != "sender data" || len(req.Data) != 1 {
		t.Fatalf("request = %+v", req)
	}
	item := req.Data[0]
	if item.Host != "recorder-1" || item.Key != "recorder.alert" {
		t.Errorf("item = %+v", item)
	}
	if !strings.HasPrefix(item.Value, "event=CRITICAL ") || !strings.Contains(item.Value, `"segment create failed"`) {
		t.Errorf("value = %q", item.Value)
	}
}

func TestZabbixNothingProcessed(t *testing.T) {
	host, port, _ := fakeZabbix(t, "processed: 0; failed: 1; total: 1; seconds spent: 0.000055")

	n := New(Config{Zabbix: types.ZabbixConfig{Server: host, Port: port, Host: "h", Key: "k"}})
	if err := n.Test(ChannelZabbix); err == nil || !strings.Contains(err.Error(), "processed no items") {
		t.Errorf("Test(zabbix) = %v, want processed no items", err)
	}
}

func TestReadZabbixFrameRejectsBadHeader(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"magic", append([]byte("HTTP/"), make([]byte, 8)...)},
		{"empty", zabbixFrame(nil)},
		{"short", []byte("ZBXD")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := readZabbixFrame(strings.NewReader(string(tt.input))); err == nil {
				t.Error("expected error")
			}
		})
	}
}

const (
	testTenant = "12345678-1234-1234-1234-123456789abc"
	testClient = "87654321-4321-4321-4321-cba987654321"
)

// fakeGraph serves the token endpoint and sendMail. status returns the
// response code for each sendMail call.
func fakeGraph(t *testing.T, status func(call int) int) (*httptest.Server, *atomic.Int32, func() graphMailRequest) {
	t.Helper()
	var (
		calls atomic.Int32
		mu    sync.Mutex
		last  graphMailRequest
	)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Error(err)
		}
		if r.Form.Get("grant_type") != "client_credentials" {
			t.Errorf("grant_type = %q", r.Form.Get("grant_type"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"tok","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("POST /users/{from}/sendMail", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if r.PathValue("from") != "recorder@example.com" {
			t.Errorf("from = %q", r.PathValue("from"))
		}
		n := int(calls.Add(1))
		if code := status(n); code != http.StatusAccepted {
			w.WriteHeader(code)
			return
		}
		mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&last)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &calls, func() graphMailRequest {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

func testGraphConfig() types.GraphConfig {
	return types.GraphConfig{
		TenantID:     testTenant,
		ClientID:     testClient,
		ClientSecret: "secret",
		FromAddress:  "recorder@example.com",
		Recipients:   "ops@example.com, studio@example.com",
	}
}

func TestEmailAlert(t *testing.T) {
	srv, calls, lastMail := fakeGraph(t, func(int) int { return http.StatusAccepted })

	n := New(Config{StationName: "Test FM", Graph: testGraphConfig()})
	n.endpoints = func(string) graphEndpoints {
		return graphEndpoints{tokenURL: srv.URL + "/token", baseURL: srv.URL}
	}

	n.Alert(KindSilence, "silence detected")
	n.Wait()

	if calls.Load() != 1 {
		t.Fatalf("sendMail calls = %d, want 1", calls.Load())
	}
	last := lastMail()
	if got := last.Message.Subject; got != "[ALERT] Silence Detected - Test FM" {
		t.Errorf("subject = %q", got)
	}
	if len(last.Message.ToRecipients) != 2 || last.Message.ToRecipients[1].EmailAddress.Address != "studio@example.com" {
		t.Errorf("recipients = %+v", last.Message.ToRecipients)
	}
	if !strings.HasPrefix(last.Message.Body.Content, "silence detected") {
		t.Errorf("body = %q", last.Message.Body.Content)
	}
}

func TestGraphRetriesThrottling(t *testing.T) {
	srv, calls, _ := fakeGraph(t, func(call int) int {
		if call < 3 {
			return http.StatusServiceUnavailable
		}
		return http.StatusAccepted
	})

	cfg := testGraphConfig()
	c, err := newGraphClient(&cfg, graphEndpoints{tokenURL: srv.URL + "/token", baseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	c.backoff = func() *util.Backoff { return util.NewBackoff(time.Millisecond, 5*time.Millisecond) }

	if err := c.SendMail(context.Background(), ParseRecipients(cfg.Recipients), "s", "b"); err != nil {
		t.Fatalf("SendMail() = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestGraphClientErrorNotRetried(t *testing.T) {
	srv, calls, _ := fakeGraph(t, func(int) int { return http.StatusBadRequest })

	cfg := testGraphConfig()
	c, err := newGraphClient(&cfg, graphEndpoints{tokenURL: srv.URL + "/token", baseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	err = c.SendMail(context.Background(), []string{"ops@example.com"}, "s", "b")
	if err == nil || !strings.Contains(err.Error(), "graph API error 400") {
		t.Errorf("SendMail() = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestValidateGraphConfig(t *testing.T) {
	valid := testGraphConfig()

	tests := []struct {
		name   string
		mutate func(*types.GraphConfig)
		want   string
	}{
		{"valid", func(*types.GraphConfig) {}, ""},
		{"tenant not guid", func(c *types.GraphConfig) { c.TenantID = "contoso" }, "tenant ID must be a valid GUID"},
		{"missing secret", func(c *types.GraphConfig) { c.ClientSecret = "" }, "client secret is required"},
		{"missing from", func(c *types.GraphConfig) { c.FromAddress = "" }, "from address"},
		{"blank recipients", func(c *types.GraphConfig) { c.Recipients = " , " }, "no valid recipients"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := ValidateGraphConfig(&cfg)
			if tt.want == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestParseRecipients(t *testing.T) {
	got := ParseRecipients(" a@example.com,,b@example.com , ")
	if len(got) != 2 || got[0] != "a@example.com" || got[1] != "b@example.com" {
		t.Errorf("ParseRecipients() = %q", got)
	}
}
