package memory

import (
	"context"
	"fmt"

	"github.com/archon-ai/archon/internal/tools"
)

// ToolEmbedder satisfies Embedder by routing through the tool invoker,
// so embedding calls share the audit log and failure classification of
// every other capability.
type ToolEmbedder struct {
	Invoker *tools.Invoker
}

func (t ToolEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := t.Invoker.Invoke(ctx, tools.Call{
		Tool: "embedding",
		Args: map[string]interface{}{"text": text},
	})
	if err != nil {
		return nil, err
	}
	vectors, ok := res.Data["vectors"].([][]float32)
	if !ok || len(vectors) == 0 {
		return nil, fmt.Errorf("embedding tool returned no vectors")
	}
	return vectors[0], nil
}
