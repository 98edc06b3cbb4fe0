package core

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/gorilla/websocket"
)

func TestResumeCursorStoreGetSetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.json")
	s, err := OpenResumeCursorStore(path)
	if err != nil {
		t.Fatalf("OpenResumeCursorStore: %v", err)
	}
	if _, ok := s.Get("wss://example.com"); ok {
		t.Fatalf("expected no cursor for an unknown URL")
	}
	s.Set("wss://example.com", 42)
	got, ok := s.Get("wss://example.com")
	if !ok || got != 42 {
		t.Fatalf("expected cursor 42, got %d, %v", got, ok)
	}
}

func TestResumeCursorStoreOpenMissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.json")
	s, err := OpenResumeCursorStore(path)
	if err != nil {
		t.Fatalf("OpenResumeCursorStore: %v", err)
	}
	if _, ok := s.Get("wss://example.com"); ok {
		t.Fatalf("expected an empty store for a missing file")
	}
}

func TestResumeCursorStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.json")
	s, err := OpenResumeCursorStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.Set("wss://a", 10)
	s.Set("wss://b", 20)
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reopened, err := OpenResumeCursorStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got, ok := reopened.Get("wss://a"); !ok || got != 10 {
		t.Fatalf("expected wss://a = 10, got %d, %v", got, ok)
	}
	if got, ok := reopened.Get("wss://b"); !ok || got != 20 {
		t.Fatalf("expected wss://b = 20, got %d, %v", got, ok)
	}
}

func TestResumeCursorStoreOpenEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.json")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write empty file: %v", err)
	}
	s, err := OpenResumeCursorStore(path)
	if err != nil {
		t.Fatalf("OpenResumeCursorStore on empty file: %v", err)
	}
	if _, ok := s.Get("anything"); ok {
		t.Fatalf("expected an empty map from an empty file")
	}
}

func TestBuildDialURLRewritesHTTPSchemes(t *testing.T) {
	got, blocked, err := buildDialURL("http://example.com/sub", 0, false)
	if err != nil || blocked {
		t.Fatalf("got %q, blocked=%v, err=%v", got, blocked, err)
	}
	if got != "ws://example.com/sub" {
		t.Fatalf("expected ws rewrite, got %q", got)
	}

	got, blocked, err = buildDialURL("https://example.com/sub", 0, false)
	if err != nil || blocked {
		t.Fatalf("got %q, blocked=%v, err=%v", got, blocked, err)
	}
	if got != "wss://example.com/sub" {
		t.Fatalf("expected wss rewrite, got %q", got)
	}
}

func TestBuildDialURLAppendsCursorWhenKnown(t *testing.T) {
	got, blocked, err := buildDialURL("wss://example.com/sub", 77, true)
	if err != nil || blocked {
		t.Fatalf("got %q, blocked=%v, err=%v", got, blocked, err)
	}
	want := "wss://example.com/sub?cursor=77"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestBuildDialURLOmitsCursorWhenUnknown(t *testing.T) {
	got, blocked, err := buildDialURL("wss://example.com/sub", 0, false)
	if err != nil || blocked {
		t.Fatalf("got %q, blocked=%v, err=%v", got, blocked, err)
	}
	if got != "wss://example.com/sub" {
		t.Fatalf("expected no cursor query param, got %q", got)
	}
}

func TestBuildDialURLRejectsUnsupportedScheme(t *testing.T) {
	_, blocked, err := buildDialURL("ftp://example.com/sub", 0, false)
	if err == nil {
		t.Fatalf("expected an error for an unsupported scheme")
	}
	if !blocked {
		t.Fatalf("expected an unsupported scheme to be reported as a permanent condition")
	}
}

func TestIsPermanentFailureOnClientErrorStatus(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusForbidden}
	if !isPermanentFailure(resp, nil) {
		t.Fatalf("expected 403 to be treated as a permanent failure")
	}
}

func TestIsPermanentFailureExcludesTooManyRequests(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusTooManyRequests}
	if isPermanentFailure(resp, nil) {
		t.Fatalf("expected 429 to be treated as transient, not permanent")
	}
}

func TestIsPermanentFailureOnBadHandshakeWith200(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusOK}
	if !isPermanentFailure(resp, websocket.ErrBadHandshake) {
		t.Fatalf("expected a 200 response alongside ErrBadHandshake to be permanent")
	}
}

func TestIsPermanentFailureNilResponseIsTransient(t *testing.T) {
	if isPermanentFailure(nil, websocket.ErrBadHandshake) {
		t.Fatalf("expected a nil response (no handshake reply at all) to be treated as transient")
	}
}
