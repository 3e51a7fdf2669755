// Package hcl loads task grid definitions written in HCL and translates them
// into the format-agnostic config model.
package hcl

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/vk/taskgridgo/internal/config"
	"github.com/vk/taskgridgo/internal/ctxlog"
	"github.com/vk/taskgridgo/internal/fsutil"
)

// hclGridFile represents the top-level structure of a grid file for decoding.
type hclGridFile struct {
	Defaults *hclDefaults `hcl:"defaults,block"`
	Tasks    []*hclTask   `hcl:"task,block"`
	Body     hcl.Body     `hcl:",remain"`
}

// hclDefaults represents a grid-level `defaults` block.
type hclDefaults struct {
	Workers          int    `hcl:"workers,optional"`
	Timeout          string `hcl:"timeout,optional"`
	Retries          int    `hcl:"retries,optional"`
	RetryDelay       string `hcl:"retry_delay,optional"`
	StopOnFirstError bool   `hcl:"stop_on_first_error,optional"`
}

// hclTask represents a `task` block from a user's grid file.
type hclTask struct {
	Name      string        `hcl:"name,label"`
	Type      string        `hcl:"type,optional"`
	Priority  int           `hcl:"priority,optional"`
	Timeout   string        `hcl:"timeout,optional"`
	DependsOn []string      `hcl:"depends_on,optional"`
	Payload   *payloadBlock `hcl:"payload,block"`
}

// payloadBlock captures the free-form attributes of a task's payload.
type payloadBlock struct {
	Body hcl.Body `hcl:",remain"`
}

// Loader is the HCL implementation of config.Loader.
type Loader struct{}

// NewLoader creates a new HCL loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load finds and parses all .hcl files under the given paths and aggregates
// their task blocks into one grid. A later file's defaults block overrides an
// earlier one's.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)

	var files []string
	for _, path := range paths {
		found, err := fsutil.FindFilesByExtension(path, ".hcl")
		if err != nil {
			return nil, fmt.Errorf("failed to find grid files in %s: %w", path, err)
		}
		files = append(files, found...)
	}

	grid := config.NewGrid()
	if len(files) == 0 {
		logger.Warn("No .hcl grid files found, returning empty grid.", "paths", paths)
		return &config.Model{Grid: grid}, nil
	}

	parser := hclparse.NewParser()
	for _, file := range files {
		if err := l.loadFile(file, parser, grid); err != nil {
			return nil, err
		}
	}

	logger.Debug("Grid loaded.", "files", len(files), "tasks", len(grid.Tasks))
	return &config.Model{Grid: grid}, nil
}

func (l *Loader) loadFile(filePath string, parser *hclparse.Parser, grid *config.Grid) error {
	hclFile, diags := parser.ParseHCLFile(filePath)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse HCL file %s: %w", filePath, diags)
	}

	var parsed hclGridFile
	diags = gohcl.DecodeBody(hclFile.Body, nil, &parsed)
	if diags.HasErrors() {
		return fmt.Errorf("failed to decode HCL file %s: %w", filePath, diags)
	}

	if parsed.Defaults != nil {
		defaults, err := translateDefaults(parsed.Defaults)
		if err != nil {
			return fmt.Errorf("invalid defaults block in %s: %w", filePath, err)
		}
		grid.Defaults = defaults
	}

	for _, t := range parsed.Tasks {
		spec, err := translateTask(t)
		if err != nil {
			return fmt.Errorf("invalid task %q in %s: %w", t.Name, filePath, err)
		}
		grid.Tasks = append(grid.Tasks, spec)
	}
	return nil
}

func translateDefaults(d *hclDefaults) (config.Defaults, error) {
	timeout, err := parseDuration(d.Timeout)
	if err != nil {
		return config.Defaults{}, fmt.Errorf("timeout: %w", err)
	}
	retryDelay, err := parseDuration(d.RetryDelay)
	if err != nil {
		return config.Defaults{}, fmt.Errorf("retry_delay: %w", err)
	}
	return config.Defaults{
		Workers:          d.Workers,
		Timeout:          timeout,
		Retries:          d.Retries,
		RetryDelay:       retryDelay,
		StopOnFirstError: d.StopOnFirstError,
	}, nil
}

// translateTask converts an HCL task block into the agnostic model.
func translateTask(t *hclTask) (*config.TaskSpec, error) {
	if t.Name == "" {
		return nil, fmt.Errorf("task name label must not be empty")
	}

	timeout, err := parseDuration(t.Timeout)
	if err != nil {
		return nil, fmt.Errorf("timeout: %w", err)
	}

	payload, err := extractPayload(t.Payload)
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}

	return &config.TaskSpec{
		Name:      t.Name,
		Type:      t.Type,
		Priority:  t.Priority,
		Timeout:   timeout,
		DependsOn: t.DependsOn,
		Payload:   payload,
	}, nil
}

// extractPayload evaluates every attribute of the payload block into a plain
// Go value. Payloads are literal data; expressions referencing other blocks
// are not supported.
func extractPayload(block *payloadBlock) (map[string]any, error) {
	if block == nil || block.Body == nil {
		return nil, nil
	}
	attrs, diags := block.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, diags
	}
	if len(attrs) == 0 {
		return nil, nil
	}

	payload := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, fmt.Errorf("attribute %q: %w", name, diags)
		}
		goVal, err := ctyToGo(val)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", name, err)
		}
		payload[name] = goVal
	}
	return payload, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
