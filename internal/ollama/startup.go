package ollama

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

const warmUpTimeout = 30 * time.Second

// ErrNotRunning is returned by EnsureReady when the server does not answer.
var ErrNotRunning = errors.New("Ollama is not running. Start it with: ollama serve")

// EnsureReady makes embedModel usable: it pulls the model when missing,
// compares its declared embedding length with dims (when both are known) and
// embeds a short text so the model is loaded before the first real request.
// Progress goes to w. A dimension mismatch is an error; a failed warm-up is
// not.
func EnsureReady(ctx context.Context, c *Client, embedModel string, dims int, w io.Writer) error {
	version, err := c.Version(ctx)
	if err != nil {
		return ErrNotRunning
	}
	fmt.Fprintf(w, "ollama %s\n", version)

	if !c.HasModel(ctx, embedModel) {
		fmt.Fprintf(w, "model %s: pulling...\n", embedModel)
		err := c.PullModel(ctx, embedModel, func(p PullProgress) {
			if pct := p.Percent(); pct >= 0 {
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "model %s: ready\n", embedModel)

	if dims > 0 {
		if n, err := c.EmbeddingLength(ctx, embedModel); err == nil && n > 0 && n != dims {
			return fmt.Errorf("model %s produces %d dimensions, configured for %d", embedModel, n, dims)
		}
	}

	warmCtx, cancel := context.WithTimeout(ctx, warmUpTimeout)
	defer cancel()
	if _, err := c.Embed(warmCtx, embedModel, "warm-up"); err != nil {
		fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", embedModel, err)
	} else {
		fmt.Fprintf(w, "model %s: warm\n", embedModel)
	}
	return nil
}
