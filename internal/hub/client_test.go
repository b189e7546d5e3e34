package hub

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestHTTPClient_SubscribeSendsFormAndReturnsTrue(t *testing.T) {
	var gotForm map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("Content-Type = %q", ct)
		}
		r.ParseForm()
		gotForm = map[string]string{
			"hub.mode":          r.PostForm.Get("hub.mode"),
			"hub.topic":         r.PostForm.Get("hub.topic"),
			"hub.callback":      r.PostForm.Get("hub.callback"),
			"hub.lease_seconds": r.PostForm.Get("hub.lease_seconds"),
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	c := NewHTTPClient(server.Client(), server.URL, testLogger())

	ok := c.Subscribe(context.Background(), "https://example.com/feed?channel_id=UC1", "https://cb.example.com/pubsub/youtube", 3600)
	if !ok {
		t.Fatal("Subscribe = false, want true")
	}

	want := map[string]string{
		"hub.mode":          "subscribe",
		"hub.topic":         "https://example.com/feed?channel_id=UC1",
		"hub.callback":      "https://cb.example.com/pubsub/youtube",
		"hub.lease_seconds": "3600",
	}
	for k, v := range want {
		if gotForm[k] != v {
			t.Errorf("form[%q] = %q, want %q", k, gotForm[k], v)
		}
	}
}

func TestHTTPClient_UnsubscribeSendsMode(t *testing.T) {
	var gotMode string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotMode = r.PostForm.Get("hub.mode")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := NewHTTPClient(server.Client(), server.URL, testLogger())

	if ok := c.Unsubscribe(context.Background(), "topic", "callback"); !ok {
		t.Fatal("Unsubscribe = false, want true")
	}
	if gotMode != "unsubscribe" {
		t.Errorf("hub.mode = %q, want unsubscribe", gotMode)
	}
}

func TestHTTPClient_Non2xxReturnsFalse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := NewHTTPClient(server.Client(), server.URL, testLogger())

	if c.Subscribe(context.Background(), "topic", "callback", 3600) {
		t.Error("Subscribe = true for 503 response, want false")
	}
}

func TestHTTPClient_UnreachableHubReturnsFalse(t *testing.T) {
	// 閉じたサーバーへの接続失敗はfalseになり、例外は伝播しない
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c := NewHTTPClient(&http.Client{Timeout: time.Second}, url, testLogger())

	if c.Subscribe(context.Background(), "topic", "callback", 3600) {
		t.Error("Subscribe = true for unreachable hub, want false")
	}
}

func TestHTTPClient_TimeoutReturnsFalse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	c := NewHTTPClient(&http.Client{Timeout: 20 * time.Millisecond}, server.URL, testLogger())

	if c.Subscribe(context.Background(), "topic", "callback", 3600) {
		t.Error("Subscribe = true on timeout, want false")
	}
}
