package requests

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/PeladoCollado/machinegun/types"
)

func TestStreamReaderLoopsAtEOF(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "requests.json")
	content := `{"method":"GET","path":"/first"}
{"method":"POST","path":"/second","body":"payload"}`
	if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
		t.Fatalf("unable to write temp request file: %v", err)
	}

	source, err := NewFileReader(file)
	if err != nil {
		t.Fatalf("unable to create stream reader: %v", err)
	}
	defer source.Close()

	first, err := source.Next()
	if err != nil {
		t.Fatalf("unexpected error reading first request: %v", err)
	}
	second, err := source.Next()
	if err != nil {
		t.Fatalf("unexpected error reading second request: %v", err)
	}
	looped, err := source.Next()
	if err != nil {
		t.Fatalf("unexpected error reading looped request: %v", err)
	}

	assertRequest(t, first, "GET", "/first")
	assertRequest(t, second, "POST", "/second")
	if second.Body != "payload" {
		t.Fatalf("expected body payload, got %q", second.Body)
	}
	assertRequest(t, looped, "GET", "/first")
}

func TestStreamReaderRejectsEmptyFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "empty.json")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatalf("unable to write temp request file: %v", err)
	}
	source, err := NewFileReader(file)
	if err != nil {
		t.Fatalf("unable to create stream reader: %v", err)
	}
	defer source.Close()

	if _, err := source.Next(); err == nil {
		t.Fatalf("expected empty stream error")
	}
}

func TestStreamReaderWithoutSeekerStopsAtEOF(t *testing.T) {
	source := NewStreamReader(io.MultiReader(strings.NewReader(`{"path":"/only"}`)))

	if _, err := source.Next(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := source.Next(); err == nil {
		t.Fatalf("expected EOF error for non-seekable stream")
	}
}

func TestNewFileReaderMissingFile(t *testing.T) {
	if _, err := NewFileReader(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func assertRequest(t *testing.T, req types.RequestSpec, method string, path string) {
	t.Helper()
	if req.Method != method {
		t.Fatalf("expected method %s, got %s", method, req.Method)
	}
	if req.Path != path {
		t.Fatalf("expected path %s, got %s", path, req.Path)
	}
}
