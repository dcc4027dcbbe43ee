package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

func TestTemplateVars(t *testing.T) {
	t.Parallel()
	vars := templateVars("some result", "my_task")
	if vars["result"] != "some result" {
		t.Fatalf("result var = %q", vars["result"])
	}
	if vars["task_name"] != "my_task" {
		t.Fatalf("task_name var = %q", vars["task_name"])
	}
	if _, err := time.Parse(time.RFC3339, vars["timestamp"]); err != nil {
		t.Fatalf("timestamp %q not RFC3339: %v", vars["timestamp"], err)
	}
}

func TestExpand(t *testing.T) {
	t.Parallel()
	vars := map[string]string{"result": "OK", "task_name": "backup"}
	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{name: "simple", tmpl: "Task $task_name result: $result", want: "Task backup result: OK"},
		{name: "braced", tmpl: "${task_name}-suffix", want: "backup-suffix"},
		{name: "missing var left verbatim", tmpl: "$result $unknown_var", want: "OK $unknown_var"},
		{name: "missing braced left verbatim", tmpl: "${nope}", want: "${nope}"},
		{name: "escaped dollar", tmpl: "cost: $$5", want: "cost: $5"},
		{name: "trailing dollar", tmpl: "end$", want: "end$"},
		{name: "no variables", tmpl: "plain text", want: "plain text"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := expand(tt.tmpl, vars); got != tt.want {
				t.Fatalf("expand(%q) = %q, want %q", tt.tmpl, got, tt.want)
			}
		})
	}
}

type fakeAdapter struct {
	channel string
	status  task.DeliveryStatus
	err     error
	panics  bool

	gotResult string
	gotTask   string
	gotConfig map[string]any
}

func (f *fakeAdapter) Channel() string { return f.channel }

func (f *fakeAdapter) Deliver(ctx context.Context, resultText string, config map[string]any, taskName string) (task.DeliveryStatus, error) {
	f.gotResult = resultText
	f.gotTask = taskName
	f.gotConfig = config
	if f.panics {
		panic("adapter exploded")
	}
	return f.status, f.err
}

func TestRouterUnknownChannel(t *testing.T) {
	t.Parallel()
	r := NewRouter(0, logx.Nop())
	got := r.Deliver(context.Background(), "slack", "{}", "text", "task")
	if got.Status != "error" || !strings.Contains(got.Error, "unknown delivery channel") {
		t.Fatalf("Deliver = %+v", got)
	}
}

func TestRouterSuccessfulDelivery(t *testing.T) {
	t.Parallel()
	r := NewRouter(0, logx.Nop())
	fa := &fakeAdapter{channel: "fake", status: task.DeliveryStatus{Status: "delivered"}}
	r.Register(fa)

	got := r.Deliver(context.Background(), "fake", `{"k":"v"}`, "result text", "task1")
	if got.Status != "delivered" || got.Channel != "fake" {
		t.Fatalf("Deliver = %+v", got)
	}
	if fa.gotResult != "result text" || fa.gotTask != "task1" {
		t.Fatalf("adapter got (%q, %q)", fa.gotResult, fa.gotTask)
	}
	if fa.gotConfig["k"] != "v" {
		t.Fatalf("adapter config = %v", fa.gotConfig)
	}
}

func TestRouterAdapterErrorCaught(t *testing.T) {
	t.Parallel()
	r := NewRouter(0, logx.Nop())
	r.Register(&fakeAdapter{channel: "boom", err: errors.New("boom")})

	got := r.Deliver(context.Background(), "boom", "", "text", "task")
	if got.Status != "error" || !strings.Contains(got.Error, "boom") {
		t.Fatalf("Deliver = %+v", got)
	}
}

func TestRouterAdapterPanicCaught(t *testing.T) {
	t.Parallel()
	r := NewRouter(0, logx.Nop())
	r.Register(&fakeAdapter{channel: "panicky", panics: true})

	got := r.Deliver(context.Background(), "panicky", "", "text", "task")
	if got.Status != "error" || !strings.Contains(got.Error, "panic") {
		t.Fatalf("Deliver = %+v", got)
	}
}

func TestRouterChannels(t *testing.T) {
	t.Parallel()
	r := NewRouter(0, logx.Nop())
	r.Register(&fakeAdapter{channel: "b"})
	r.Register(&fakeAdapter{channel: "a"})
	if got := r.Channels(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Channels = %v", got)
	}
	if !r.Has("a") || r.Has("c") {
		t.Fatal("Has mismatch")
	}
}

func TestWebhookAdapter(t *testing.T) {
	t.Parallel()
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotBody, _ = io.ReadAll(req.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := NewWebhookAdapter(logx.Nop())
	config := map[string]any{"url": srv.URL, "body_template": "Alert from $task_name: $result"}
	status, err := a.Deliver(context.Background(), "all clear", config, "monitor")
	if err != nil {
		t.Fatalf("Deliver error: %v", err)
	}
	if status.Status != "delivered" || status.Channel != "webhook" {
		t.Fatalf("status = %+v", status)
	}

	var payload webhookPayload
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if payload.TaskName != "monitor" || payload.Body != "Alert from monitor: all clear" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestWebhookAdapterFailures(t *testing.T) {
	t.Parallel()
	a := NewWebhookAdapter(logx.Nop())

	if _, err := a.Deliver(context.Background(), "x", map[string]any{}, "t"); err == nil {
		t.Fatal("expected error for missing url")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	if _, err := a.Deliver(context.Background(), "x", map[string]any{"url": srv.URL}, "t"); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}

func TestEmailAdapter(t *testing.T) {
	t.Parallel()
	a, err := NewEmailAdapter(SMTPConfig{Host: "localhost", Port: 2525, From: "taskd@example.com"}, logx.Nop())
	if err != nil {
		t.Fatalf("NewEmailAdapter error: %v", err)
	}

	var gotTo []string
	var gotMsg string
	a.send = func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
		gotTo = to
		gotMsg = string(msg)
		return nil
	}

	config := map[string]any{
		"to":               []any{"a@example.com"},
		"subject_template": "Report: $task_name",
	}
	status, err := a.Deliver(context.Background(), "all good", config, "daily_report")
	if err != nil {
		t.Fatalf("Deliver error: %v", err)
	}
	if status.Status != "delivered" {
		t.Fatalf("status = %+v", status)
	}
	if len(gotTo) != 1 || gotTo[0] != "a@example.com" {
		t.Fatalf("to = %v", gotTo)
	}
	if !strings.Contains(gotMsg, "Subject: Report: daily_report") {
		t.Fatalf("subject not rendered: %q", gotMsg)
	}
	if !strings.Contains(gotMsg, "all good") {
		t.Fatalf("body missing result: %q", gotMsg)
	}
}

func TestEmailAdapterNoRecipients(t *testing.T) {
	t.Parallel()
	a, err := NewEmailAdapter(SMTPConfig{Host: "localhost", Port: 25, From: "x@y"}, logx.Nop())
	if err != nil {
		t.Fatalf("NewEmailAdapter error: %v", err)
	}
	if _, err := a.Deliver(context.Background(), "r", map[string]any{}, "t"); err == nil {
		t.Fatal("expected error for missing recipients")
	}
}

func TestTruncateBodyKeepsRunesIntact(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		body  string
		limit int
	}{
		{name: "ascii", body: strings.Repeat("a", 50), limit: 20},
		{name: "multibyte at cut", body: strings.Repeat("é", 50), limit: 22}, // 2-byte runes; 22-3 lands mid-rune
		{name: "wide runes", body: strings.Repeat("日本語", 30), limit: 25},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := truncateBody(tt.body, tt.limit)
			if len(got) > tt.limit {
				t.Fatalf("len = %d, want <= %d", len(got), tt.limit)
			}
			if !utf8.ValidString(got) {
				t.Fatalf("truncation produced invalid UTF-8: %q", got)
			}
			if !strings.HasSuffix(got, "...") {
				t.Fatalf("missing truncation marker: %q", got)
			}
		})
	}
	if got := truncateBody("short", 100); got != "short" {
		t.Fatalf("short body modified: %q", got)
	}
}

func TestSendMailTimesOutOnSilentServer(t *testing.T) {
	t.Parallel()
	// A listener that accepts and never sends the SMTP greeting.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	start := time.Now()
	err = sendMail(ln.Addr().String(), nil, "a@b", []string{"c@d"}, []byte("x"), 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error from silent server")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("sendMail blocked for %s", elapsed)
	}
}

func TestTelegramAdapterRequiresChat(t *testing.T) {
	t.Parallel()
	a, err := NewTelegramAdapter(TelegramConfig{Token: "123:test", Offline: true}, logx.Nop())
	if err != nil {
		t.Fatalf("NewTelegramAdapter error: %v", err)
	}
	if _, err := a.Deliver(context.Background(), "r", map[string]any{}, "t"); err == nil {
		t.Fatal("expected error for missing chat_id")
	}
}
