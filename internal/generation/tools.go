package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"codeloom/internal/ai"
	"codeloom/pkg/models"
)

// ToolKind is the closed set of tools the agent can invoke. Dispatch goes
// through an exhaustive handler table; a kind without a handler fails at
// coordinator construction, not silently at runtime.
type ToolKind string

const (
	ToolWriteFile  ToolKind = "write_file"
	ToolRunCommand ToolKind = "run_command"
	ToolReadFile   ToolKind = "read_file"
	ToolListFiles  ToolKind = "list_files"
)

// AllToolKinds enumerates every tool in the fixed menu.
var AllToolKinds = []ToolKind{ToolWriteFile, ToolRunCommand, ToolReadFile, ToolListFiles}

// maxCommandOutput caps captured command output fed back to the model.
const maxCommandOutput = 64 * 1024

// toolHandler executes one tool call and returns the result text fed back
// into the conversation.
type toolHandler func(ctx context.Context, run *run, input json.RawMessage) (string, error)

// toolMenu is the fixed tool list offered to the model on every turn.
func toolMenu() []ai.Tool {
	return []ai.Tool{
		{
			Name:        string(ToolWriteFile),
			Description: "Create or overwrite a project file. The file is staged and synced into the sandbox immediately.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to the project root"},"content":{"type":"string","description":"Full file content"}},"required":["path","content"]}`),
		},
		{
			Name:        string(ToolRunCommand),
			Description: "Run a shell command inside the sandbox and return its output.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Shell command to execute"}},"required":["command"]}`),
		},
		{
			Name:        string(ToolReadFile),
			Description: "Read the current content of a project file.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to the project root"}},"required":["path"]}`),
		},
		{
			Name:        string(ToolListFiles),
			Description: "List all file paths in the project.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
		},
	}
}

// buildToolTable wires the handler for every tool kind. Returns an error if
// any kind is left unhandled so a menu/table mismatch is a startup failure.
func buildToolTable(c *Coordinator) (map[ToolKind]toolHandler, error) {
	table := map[ToolKind]toolHandler{
		ToolWriteFile:  c.handleWriteFile,
		ToolRunCommand: c.handleRunCommand,
		ToolReadFile:   c.handleReadFile,
		ToolListFiles:  c.handleListFiles,
	}
	for _, kind := range AllToolKinds {
		if table[kind] == nil {
			return nil, fmt.Errorf("tool %q has no handler", kind)
		}
	}
	return table, nil
}

func (c *Coordinator) handleWriteFile(ctx context.Context, run *run, input json.RawMessage) (string, error) {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("write_file: invalid input: %w", err)
	}
	path := strings.TrimPrefix(strings.TrimSpace(args.Path), "/")
	if path == "" {
		return "", fmt.Errorf("write_file: path is required")
	}

	// Stage in the store, then enqueue and flush this one path right away so
	// the sandbox tracks generated files as they appear.
	var file models.File
	err := c.db.WithContext(ctx).
		Where("project_id = ? AND path = ?", run.projectID, path).
		First(&file).Error
	if err == nil {
		file.Content = args.Content
		file.Size = int64(len(args.Content))
		file.Version++
		err = c.db.WithContext(ctx).Save(&file).Error
	} else {
		file = models.File{
			ProjectID: run.projectID,
			Path:      path,
			Content:   args.Content,
			Size:      int64(len(args.Content)),
			Version:   1,
		}
		err = c.db.WithContext(ctx).Create(&file).Error
	}
	if err != nil {
		return "", fmt.Errorf("write_file: stage %s: %w", path, err)
	}

	run.queue.Enqueue(path)
	if err := run.queue.Flush(ctx, path); err != nil {
		return "", err
	}

	run.recordFile(path)
	return fmt.Sprintf("Wrote %s (%d bytes)", path, len(args.Content)), nil
}

func (c *Coordinator) handleRunCommand(ctx context.Context, run *run, input json.RawMessage) (string, error) {
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("run_command: invalid input: %w", err)
	}
	if strings.TrimSpace(args.Command) == "" {
		return "", fmt.Errorf("run_command: command is required")
	}

	result, err := c.provider.RunCommand(ctx, run.sandboxRemoteID, args.Command)
	if err != nil {
		return "", err
	}

	out := result.Stdout
	if result.Stderr != "" {
		out += "\n" + result.Stderr
	}
	if len(out) > maxCommandOutput {
		out = out[:maxCommandOutput] + "\n... (output truncated)"
	}
	if result.ExitCode != 0 {
		out = fmt.Sprintf("exit code %d\n%s", result.ExitCode, out)
	}
	return out, nil
}

func (c *Coordinator) handleReadFile(ctx context.Context, run *run, input json.RawMessage) (string, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("read_file: invalid input: %w", err)
	}
	path := strings.TrimPrefix(strings.TrimSpace(args.Path), "/")

	var file models.File
	err := c.db.WithContext(ctx).
		Where("project_id = ? AND path = ?", run.projectID, path).
		First(&file).Error
	if err != nil {
		return "", fmt.Errorf("read_file: %s not found", path)
	}
	return file.Content, nil
}

func (c *Coordinator) handleListFiles(ctx context.Context, run *run, _ json.RawMessage) (string, error) {
	var paths []string
	err := c.db.WithContext(ctx).
		Model(&models.File{}).
		Where("project_id = ?", run.projectID).
		Order("path").
		Pluck("path", &paths).Error
	if err != nil {
		return "", fmt.Errorf("list_files: %w", err)
	}
	if len(paths) == 0 {
		return "(no files yet)", nil
	}
	return strings.Join(paths, "\n"), nil
}
