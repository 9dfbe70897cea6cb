package ai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c := NewClient(ClientConfig{
		BaseURL:    baseURL,
		Attempts:   2,
		RetryDelay: time.Millisecond,
		Timeout:    time.Second,
	}, zerolog.Nop())
	c.sleep = func(time.Duration) {}
	return c
}

func TestComplete_SingleReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/complete" {
			t.Errorf("path = %q, want /complete", r.URL.Path)
		}
		w.Write([]byte(`{"success":true,"response":"hello there"}`))
	}))
	defer srv.Close()

	reply, err := newTestClient(t, srv.URL).Complete(context.Background(), "prompt", nil, "hi")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if reply.Multi() {
		t.Error("single reply should not be multi")
	}
	if len(reply.Segments) != 1 || reply.Segments[0] != "hello there" {
		t.Errorf("segments = %v, want [hello there]", reply.Segments)
	}
}

func TestComplete_SegmentedReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"messages":["first","second","third"],"is_multi_message":true}`))
	}))
	defer srv.Close()

	reply, err := newTestClient(t, srv.URL).Complete(context.Background(), "prompt", nil, "hi")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !reply.Multi() {
		t.Error("three segments should report multi")
	}
	if len(reply.Segments) != 3 || reply.Segments[2] != "third" {
		t.Errorf("segments = %v", reply.Segments)
	}
}

func TestComplete_OneElementListIsSingle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"messages":["only"]}`))
	}))
	defer srv.Close()

	reply, err := newTestClient(t, srv.URL).Complete(context.Background(), "prompt", nil, "hi")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if reply.Multi() {
		t.Error("one-element list must be a single reply")
	}
}

func TestComplete_SuccessFalse(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"success":false}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Complete(context.Background(), "prompt", nil, "hi")
	if !IsProtocolError(err) {
		t.Fatalf("err = %v, want protocol error", err)
	}
	// Protocol errors are not retried.
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestComplete_ServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Complete(context.Background(), "prompt", nil, "hi")
	if !IsUnavailable(err) {
		t.Fatalf("err = %v, want unavailable", err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("calls = %d, want 2 attempts", n)
	}
}

func TestComplete_RetryThenSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"success":true,"response":"recovered"}`))
	}))
	defer srv.Close()

	reply, err := newTestClient(t, srv.URL).Complete(context.Background(), "prompt", nil, "hi")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if reply.Segments[0] != "recovered" {
		t.Errorf("segments = %v", reply.Segments)
	}
}

func TestComplete_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Complete(context.Background(), "prompt", nil, "hi")
	if !IsProtocolError(err) {
		t.Fatalf("err = %v, want protocol error", err)
	}
}

func TestComplete_EmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Complete(context.Background(), "prompt", nil, "hi")
	if !IsProtocolError(err) {
		t.Fatalf("err = %v, want protocol error", err)
	}
}

func TestComplete_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := newTestClient(t, srv.URL).Complete(context.Background(), "prompt", nil, "hi")
	if !IsUnavailable(err) {
		t.Fatalf("err = %v, want unavailable", err)
	}
}
