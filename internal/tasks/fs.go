package tasks

import (
	"context"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/orieg/yaml-workflow-sub000/pkg/schema"
)

const defaultMaxReadSize = 50 * 1024 * 1024 // 50MB

// FSConfig configures the filesystem tasks.
type FSConfig struct {
	MaxReadSize int64
}

// FSTasks returns the filesystem tasks.
func FSTasks(cfg FSConfig) []Task {
	if cfg.MaxReadSize <= 0 {
		cfg.MaxReadSize = defaultMaxReadSize
	}
	return []Task{
		&readFileTask{cfg: cfg},
		&writeFileTask{},
	}
}

// resolveWorkspacePath resolves a path against the workspace and rejects
// paths that escape it. Absolute paths are allowed only when no workspace
// is configured.
func resolveWorkspacePath(workspace, path string) (string, error) {
	if workspace == "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid path %q: %v", path, err)
		}
		return abs, nil
	}

	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(workspace, resolved)
	}
	resolved = filepath.Clean(resolved)

	rel, err := filepath.Rel(workspace, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"path %q escapes the run workspace", path)
	}
	return resolved, nil
}

// isBinary checks for null bytes in the first 8KB.
func isBinary(data []byte) bool {
	check := data
	if len(check) > 8192 {
		check = check[:8192]
	}
	for _, b := range check {
		if b == 0 {
			return true
		}
	}
	return false
}

// --- read_file ---

type readFileTask struct{ cfg FSConfig }

func (t *readFileTask) Name() string { return "read_file" }

func (t *readFileTask) Description() string {
	return "Read the contents of a file inside the run workspace"
}

func (t *readFileTask) Execute(_ context.Context, in Input) (any, error) {
	params := in.Params
	if params == nil {
		params = map[string]any{}
	}

	rawPath := stringParam(params, "path", "")
	if rawPath == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "read_file: missing required input 'path'").WithStep(in.Step)
	}

	enc := stringParam(params, "encoding", "auto")
	if enc != "text" && enc != "base64" && enc != "auto" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "read_file: invalid encoding %q", enc).WithStep(in.Step)
	}

	path, err := resolveWorkspacePath(in.Workspace, rawPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTaskFailed, "read_file: %v", err).
			WithStep(in.Step).WithCause(err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, t.cfg.MaxReadSize))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTaskFailed, "read_file: %v", err).
			WithStep(in.Step).WithCause(err)
	}

	if enc == "auto" {
		if isBinary(data) {
			enc = "base64"
		} else {
			enc = "text"
		}
	}

	var content string
	if enc == "base64" {
		content = base64.StdEncoding.EncodeToString(data)
	} else {
		content = string(data)
	}

	return map[string]any{
		"path":     path,
		"content":  content,
		"encoding": enc,
		"size":     len(data),
	}, nil
}

// --- write_file ---

type writeFileTask struct{}

func (t *writeFileTask) Name() string { return "write_file" }

func (t *writeFileTask) Description() string {
	return "Write content to a file inside the run workspace"
}

func (t *writeFileTask) Execute(_ context.Context, in Input) (any, error) {
	params := in.Params
	if params == nil {
		params = map[string]any{}
	}

	rawPath := stringParam(params, "path", "")
	if rawPath == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "write_file: missing required input 'path'").WithStep(in.Step)
	}
	if _, ok := params["content"]; !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "write_file: missing required input 'content'").WithStep(in.Step)
	}

	path, err := resolveWorkspacePath(in.Workspace, rawPath)
	if err != nil {
		return nil, err
	}

	content := stringParam(params, "content", "")
	appendMode := boolParam(params, "append", false)
	fileMode := os.FileMode(intParam(params, "mode", 0644))

	if boolParam(params, "create_dirs", true) {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeTaskFailed, "write_file: %v", err).
				WithStep(in.Step).WithCause(err)
		}
	}

	data := []byte(content)
	if appendMode {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, fileMode)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeTaskFailed, "write_file: %v", err).
				WithStep(in.Step).WithCause(err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return nil, schema.NewErrorf(schema.ErrCodeTaskFailed, "write_file: %v", err).
				WithStep(in.Step).WithCause(err)
		}
		f.Close()
	} else {
		if err := os.WriteFile(path, data, fileMode); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeTaskFailed, "write_file: %v", err).
				WithStep(in.Step).WithCause(err)
		}
	}

	return map[string]any{
		"path": path,
		"size": len(data),
	}, nil
}
