package localclient_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pori-dev/pori/internal/localclient"
	"github.com/pori-dev/pori/internal/tunnel"
)

func TestForward_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ping" {
			t.Errorf("got path %q, want /ping", r.URL.Path)
		}
		w.Header().Set("X-Custom", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	}))
	defer srv.Close()

	c, err := localclient.New(srv.URL, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, lerr := c.Forward(context.Background(), "GET", "/ping", tunnel.Headers{}, nil)
	if lerr != nil {
		t.Fatalf("Forward: %v", lerr)
	}
	if resp.Status != 200 {
		t.Errorf("Status = %d, want 200", resp.Status)
	}
	if string(resp.Body) != "pong" {
		t.Errorf("Body = %q, want pong", resp.Body)
	}
	if v, ok := resp.Headers.Get("X-Custom"); !ok || v != "yes" {
		t.Errorf("X-Custom header = %q, %v", v, ok)
	}
}

func TestForward_StripsHopByHopHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := localclient.New(srv.URL, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, lerr := c.Forward(context.Background(), "GET", "/", tunnel.Headers{
		"Connection": "keep-alive",
	}, nil)
	if lerr != nil {
		t.Fatalf("Forward: %v", lerr)
	}
	if _, ok := resp.Headers.Get("Connection"); ok {
		t.Error("response Connection header should have been stripped")
	}
}

func TestForward_ConnectionRefused(t *testing.T) {
	c, err := localclient.New("http://127.0.0.1:1", true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, lerr := c.Forward(context.Background(), "GET", "/", tunnel.Headers{}, nil)
	if lerr == nil {
		t.Fatal("expected an error for connection refused")
	}
	if lerr.Kind != localclient.KindConnection {
		t.Errorf("Kind = %v, want Connection", lerr.Kind)
	}
}

func TestForward_RequestBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	defer srv.Close()

	c, err := localclient.New(srv.URL, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, lerr := c.Forward(context.Background(), "POST", "/", tunnel.Headers{}, []byte("payload"))
	if lerr != nil {
		t.Fatalf("Forward: %v", lerr)
	}
	if string(resp.Body) != "payload" {
		t.Errorf("Body = %q, want payload", resp.Body)
	}
}

func TestForward_ContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := localclient.New(srv.URL, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, lerr := c.Forward(ctx, "GET", "/", tunnel.Headers{}, nil)
	if lerr == nil {
		t.Fatal("expected an error from the timed-out context")
	}
}
