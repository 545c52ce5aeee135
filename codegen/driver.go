// Package codegen specifies the CodegenDriver contract: a subprocess or API
// call that edits a worker's working tree given a declarative prompt and an
// allow-listed tool set, returning a terminal success/error signal.
package codegen

import "context"

// Tool is one capability a generation engine invocation is permitted to use.
type Tool string

const (
	ToolRead  Tool = "read"
	ToolWrite Tool = "write"
	ToolEdit  Tool = "edit"
	ToolGlob  Tool = "glob"
	ToolGrep  Tool = "grep"
	ToolShell Tool = "shell"
)

// StandardToolSet is the {read, write, edit, glob, grep, shell} set named by
// the `implementing` phase in §4.3.
var StandardToolSet = []Tool{ToolRead, ToolWrite, ToolEdit, ToolGlob, ToolGrep, ToolShell}

// Request is the declarative input to a CodegenDriver invocation.
type Request struct {
	WorkDir      string
	Prompt       string
	AllowedTools []Tool
}

// Result is the terminal outcome of a CodegenDriver invocation.
type Result struct {
	Summary      string
	FilesChanged []string
	RawOutput    string
}

// Driver invokes a code-generation engine against a working tree. Two
// groundings exist: Spawner (CLI subprocess) and APIDriver (direct API call);
// both satisfy this same interface so WorkerRuntime's phases never branch on
// which is configured.
type Driver interface {
	Generate(ctx context.Context, req Request) (Result, error)
}
