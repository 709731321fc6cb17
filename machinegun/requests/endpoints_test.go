package requests

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"strings"
	"testing"

	"github.com/PeladoCollado/machinegun/types"
)

func TestEndpointMixSourceDrawsFromModeMix(t *testing.T) {
	for _, mode := range types.AttackModes() {
		source, err := NewEndpointMixSource(mode, rand.New(rand.NewSource(1)))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", mode, err)
		}
		allowed := make(map[string]bool)
		for _, endpoint := range endpointMixes[mode] {
			path, _, _ := strings.Cut(endpoint, "?")
			allowed[path] = true
		}
		for i := 0; i < 200; i++ {
			spec, err := source.Next()
			if err != nil {
				t.Fatalf("%s: unexpected source error: %v", mode, err)
			}
			if !allowed[spec.Path] {
				t.Fatalf("%s: unexpected path %s", mode, spec.Path)
			}
		}
	}
}

func TestEndpointMixSourceQueueTaskBody(t *testing.T) {
	source, err := NewEndpointMixSource(types.ModeBurst, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 200; i++ {
		spec, err := source.Next()
		if err != nil {
			t.Fatalf("unexpected source error: %v", err)
		}
		if spec.Path != queueTaskPath {
			if spec.Method != http.MethodGet {
				t.Fatalf("expected GET for %s, got %s", spec.Path, spec.Method)
			}
			continue
		}
		if spec.Method != http.MethodPost {
			t.Fatalf("expected POST for queue task, got %s", spec.Method)
		}
		var task queueTask
		if err := json.Unmarshal([]byte(spec.Body), &task); err != nil {
			t.Fatalf("unable to decode queue task body: %v", err)
		}
		if !strings.HasPrefix(task.Task, "burst_task_") || task.Data == "" {
			t.Fatalf("unexpected queue task %+v", task)
		}
		return
	}
	t.Fatalf("expected at least one queue task in 200 draws")
}

func TestEndpointMixSourceSplitsQuery(t *testing.T) {
	source, err := NewEndpointMixSource(types.ModeSustained, rand.New(rand.NewSource(5)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	spec, err := source.Next()
	if err != nil {
		t.Fatalf("unexpected source error: %v", err)
	}
	if spec.QueryString == "" || strings.Contains(spec.Path, "?") {
		t.Fatalf("expected path and query split, got %+v", spec)
	}
}

func TestEndpointMixSourceRejectsUnknownMode(t *testing.T) {
	if _, err := NewEndpointMixSource(types.AttackMode(99), nil); err == nil {
		t.Fatalf("expected unknown mode error")
	}
}

func TestTargetSourceUsesMethod(t *testing.T) {
	spec, err := NewTargetSource("post").Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spec.Method != http.MethodPost || spec.Path != "" || spec.QueryString != "" {
		t.Fatalf("unexpected target spec %+v", spec)
	}
}
