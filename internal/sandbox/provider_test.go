package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestReadFileEscapesQueryPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Query().Get("path")
		json.NewEncoder(w).Encode(map[string]string{"content": "hello"})
	}))
	defer srv.Close()

	p := NewHTTPProvider("key", srv.URL, 0)
	content, err := p.ReadFile(context.Background(), "remote-1", "a&b #c+d.txt")
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if content != "hello" {
		t.Fatalf("content = %q", content)
	}
	if gotPath != "/workspace/a&b #c+d.txt" {
		t.Fatalf("server decoded path %q", gotPath)
	}
}

func TestRunCommandHonorsCommandTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		json.NewEncoder(w).Encode(&CommandResult{Stdout: "too late"})
	}))
	defer srv.Close()
	defer close(release)

	p := NewHTTPProvider("key", srv.URL, 50*time.Millisecond)
	start := time.Now()
	_, err := p.RunCommand(context.Background(), "remote-1", "sleep 60")
	if err == nil {
		t.Fatal("expected the command to time out")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout not applied, returned after %v", elapsed)
	}
}
