//go:build integration

package llm

import (
	"context"
	"testing"
	"time"

	"github.com/kalambet/chatvault/internal/ollama"
)

func TestExpand_RealOllama(t *testing.T) {
	client := ollama.New("http://localhost:11434")
	if !client.IsRunning(context.Background()) {
		t.Skip("Ollama is not running, skipping integration test")
	}
	if !client.HasModel(context.Background(), "llama3.2") {
		t.Skip("llama3.2 model not available, skipping integration test")
	}

	e := NewExpander(client, "llama3.2", 5, nil)

	start := time.Now()
	terms, err := e.Expand(context.Background(), "parliament election results")
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Expand: %v (took %v)", err, elapsed)
	}
	if len(terms) == 0 {
		t.Error("expected at least one expansion term")
	}
	t.Logf("terms: %v (took %v)", terms, elapsed)
}
