package httpfetch

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestGetBytesSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	c := New(Config{MaxRetries: 1})
	body, err := c.GetBytesWithBackoff(context.Background(), srv.URL, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "hello" {
		t.Errorf("got %q, want %q", body, "hello")
	}
}

func TestGetBytesRetriesThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := New(Config{MaxRetries: 3})
	body, err := c.GetBytesWithBackoff(context.Background(), srv.URL, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "ok" {
		t.Errorf("got %q, want %q", body, "ok")
	}
	if calls != 2 {
		t.Errorf("expected 2 calls (1 failure + 1 success), got %d", calls)
	}
}

func TestGetBytesExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{MaxRetries: 2})
	_, err := c.GetBytesWithBackoff(context.Background(), srv.URL, time.Millisecond)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestGetBytesRejectsPrivateHost(t *testing.T) {
	c := New(Config{})
	_, err := c.GetBytes(context.Background(), "http://127.0.0.1:9/nope")
	if err == nil {
		t.Fatal("expected SSRF rejection for loopback host")
	}
}

func TestDownloadToFileCapturesMagicBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(">header\nACGT\n"))
	}))
	defer srv.Close()

	c := New(Config{})
	var buf bytes.Buffer
	n, magic, err := c.DownloadToFile(context.Background(), srv.URL, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(buf.Len()) {
		t.Errorf("reported %d bytes, buffer has %d", n, buf.Len())
	}
	if magic[0] != '>' {
		t.Errorf("expected FASTA marker as first byte, got %q", magic[0])
	}
	if !strings.HasPrefix(buf.String(), ">header") {
		t.Errorf("buffer content = %q", buf.String())
	}
}
