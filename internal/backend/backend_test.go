package backend

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewUnknownKind(t *testing.T) {
	if _, err := New(Spec{Kind: "jni"}); !errors.Is(err, errUnknownKind) {
		t.Fatalf("expected errUnknownKind, got %v", err)
	}
}

func TestExecRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	b, err := New(Spec{Kind: KindExec, Program: "cat", Timeout: time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	got, err := b.Call(context.Background(), "matmul,2x2\n")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got != "matmul,2x2" {
		t.Fatalf("reply = %q", got)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := b.Call(context.Background(), "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestExecFailureCarriesStderr(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	b, err := NewExec("sh", []string{"-c", "echo device lost >&2; exit 3"}, time.Second)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = b.Call(context.Background(), "")
	if err == nil || !strings.Contains(err.Error(), "device lost") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

func TestExecMissingProgram(t *testing.T) {
	if _, err := NewExec("definitely-not-a-velvet-binary", nil, 0); err == nil {
		t.Fatal("expected lookup error")
	}
}

func TestHTTPRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write([]byte("reply:" + string(body)))
	}))
	defer srv.Close()

	b, err := New(Spec{Kind: KindHTTP, URL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer b.Close()
	got, err := b.Call(context.Background(), "query,select 1")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got != "reply:query,select 1" {
		t.Fatalf("reply = %q", got)
	}
}

func TestHTTPErrorStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "backend down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b, err := NewHTTP(srv.URL, time.Second, 0, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = b.Call(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected status error, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("without retries expected 1 attempt, got %d", hits.Load())
	}
}
