package ollama

import (
	"context"
	"fmt"
	"io"
)

// Readiness describes what a local Ollama server can serve right now.
type Readiness struct {
	Running bool
	// Missing lists required models that are not pulled.
	Missing []string
}

// Ready reports whether the server is up with every model present.
func (r Readiness) Ready() bool {
	return r.Running && len(r.Missing) == 0
}

// Check queries the server and looks up each required model. Empty model
// names are ignored.
func Check(ctx context.Context, c *Client, models ...string) Readiness {
	if !c.IsRunning(ctx) {
		return Readiness{}
	}
	r := Readiness{Running: true}
	for _, m := range models {
		if m != "" && !c.HasModel(ctx, m) {
			r.Missing = append(r.Missing, m)
		}
	}
	return r
}

// Report writes a human-readable readiness line per model to w.
func (r Readiness) Report(w io.Writer, baseURL string, models ...string) {
	if !r.Running {
		fmt.Fprintf(w, "ollama at %s: not running (start it with: ollama serve)\n", baseURL)
		return
	}
	fmt.Fprintf(w, "ollama at %s: running\n", baseURL)
	for _, m := range models {
		if m == "" {
			continue
		}
		state := "ready"
		for _, miss := range r.Missing {
			if miss == m {
				state = "missing (ollama pull " + m + ")"
			}
		}
		fmt.Fprintf(w, "  model %s: %s\n", m, state)
	}
}
