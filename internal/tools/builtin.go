package tools

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CompletionProvider is the slice of the LLM provider the codegen tool needs.
type CompletionProvider interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// EmbeddingProvider is the slice of the LLM provider the embedding tool needs.
type EmbeddingProvider interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// CodegenTool produces code or analysis via the completion provider.
type CodegenTool struct {
	Provider CompletionProvider
}

func (CodegenTool) Name() string     { return "codegen" }
func (CodegenTool) Idempotent() bool { return true }

const codegenSystemPrompt = `You are a senior software engineer executing one task of a larger plan. Produce complete, working output for exactly the task described. Respond with the work product only, no preamble.`

func (t CodegenTool) Invoke(ctx context.Context, args map[string]interface{}) (Result, error) {
	if t.Provider == nil {
		return Result{}, fmt.Errorf("codegen provider not configured")
	}
	stage, _ := args["stage"].(string)
	feature, _ := args["feature"].(string)
	description, _ := args["description"].(string)
	prompt := fmt.Sprintf("STAGE: %s\nFEATURE:\n%s\nTASK:\n%s", stage, feature, description)
	output, err := t.Provider.Complete(ctx, codegenSystemPrompt, prompt)
	if err != nil {
		// Provider calls go over the network; treat failures as retryable
		// and let the deadline classification catch the rest.
		return Result{}, Transient(err)
	}
	return Result{
		Data:    map[string]interface{}{"output": output, "stage": stage},
		Summary: firstLine(output),
	}, nil
}

// FileOpTool applies file operations inside a workspace root. Flagged
// non-idempotent: a duplicated delete-then-write sequence after a
// half-applied attempt can clobber work, so retries are suppressed.
type FileOpTool struct {
	Root string
}

func (FileOpTool) Name() string     { return "file_op" }
func (FileOpTool) Idempotent() bool { return false }

func (t FileOpTool) Invoke(ctx context.Context, args map[string]interface{}) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	op, _ := args["op"].(string)
	rel, _ := args["path"].(string)
	path, err := t.resolve(rel)
	if err != nil {
		return Result{}, err
	}
	switch op {
	case "write":
		content, _ := args["content"].(string)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return Result{}, err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return Result{}, err
		}
		return Result{
			Data:    map[string]interface{}{"path": rel, "bytes": len(content)},
			Summary: fmt.Sprintf("wrote %s", rel),
		}, nil
	case "mkdir":
		if err := os.MkdirAll(path, 0o755); err != nil {
			return Result{}, err
		}
		return Result{Data: map[string]interface{}{"path": rel}, Summary: fmt.Sprintf("created %s", rel)}, nil
	case "delete":
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return Result{}, err
		}
		return Result{Data: map[string]interface{}{"path": rel}, Summary: fmt.Sprintf("deleted %s", rel)}, nil
	default:
		return Result{}, fmt.Errorf("unknown file op: %q", op)
	}
}

func (t FileOpTool) resolve(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	root := t.Root
	if root == "" {
		root = "."
	}
	cleaned := filepath.Clean(rel)
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %q", rel)
	}
	return filepath.Join(root, cleaned), nil
}

// DBQueryTool runs read-only SQL against the primary store's handle.
type DBQueryTool struct {
	DB *sql.DB
}

func (DBQueryTool) Name() string     { return "db_query" }
func (DBQueryTool) Idempotent() bool { return true }

func (t DBQueryTool) Invoke(ctx context.Context, args map[string]interface{}) (Result, error) {
	if t.DB == nil {
		return Result{}, fmt.Errorf("database not configured")
	}
	query, _ := args["query"].(string)
	trimmed := strings.ToLower(strings.TrimSpace(query))
	if !strings.HasPrefix(trimmed, "select") && !strings.HasPrefix(trimmed, "with") {
		return Result{}, fmt.Errorf("only read-only queries are allowed")
	}
	rows, err := t.DB.QueryContext(ctx, query)
	if err != nil {
		return Result{}, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Result{}, err
	}
	var out []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Result{}, err
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return Result{}, err
	}
	return Result{
		Data:    map[string]interface{}{"rows": out, "count": len(out)},
		Summary: fmt.Sprintf("%d rows", len(out)),
	}, nil
}

// EmbeddingTool exposes the provider's embedding capability through the
// uniform invocation contract so memory stays decoupled from the LLM
// client.
type EmbeddingTool struct {
	Provider EmbeddingProvider
}

func (EmbeddingTool) Name() string     { return "embedding" }
func (EmbeddingTool) Idempotent() bool { return true }

func (t EmbeddingTool) Invoke(ctx context.Context, args map[string]interface{}) (Result, error) {
	if t.Provider == nil {
		return Result{}, fmt.Errorf("embedding provider not configured")
	}
	var texts []string
	switch v := args["texts"].(type) {
	case []string:
		texts = v
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				texts = append(texts, s)
			}
		}
	}
	if s, ok := args["text"].(string); ok && s != "" {
		texts = append(texts, s)
	}
	if len(texts) == 0 {
		return Result{}, fmt.Errorf("no texts supplied")
	}
	vectors, err := t.Provider.CreateEmbedding(ctx, texts)
	if err != nil {
		return Result{}, Transient(err)
	}
	return Result{
		Data:    map[string]interface{}{"vectors": vectors},
		Summary: fmt.Sprintf("embedded %d texts", len(texts)),
	}, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const maxRunes = 140
	runes := []rune(s)
	if len(runes) > maxRunes {
		s = strings.TrimSpace(string(runes[:maxRunes])) + "…"
	}
	return s
}
