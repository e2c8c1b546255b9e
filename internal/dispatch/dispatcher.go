// Package dispatch routes incoming tool-call events to their sandbox
// handlers and delivers results back to the upstream.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"workbridge/internal/errors"
	"workbridge/internal/logging"
	"workbridge/internal/protocol"
	"workbridge/internal/sandbox"
)

// Tool names accepted by the dispatcher.
const (
	ToolReadFile   = "READ_FILE"
	ToolUpdateFile = "UPDATE_FILE"
	ToolRunCommand = "RUN_COMMAND"
)

// Dispatcher parses events, resolves the tool, and runs it inside the
// request's work root.
type Dispatcher struct {
	sandbox *sandbox.Sandbox
	logger  *logging.Logger
	now     func() time.Time
}

// NewDispatcher creates a dispatcher over the given sandbox.
func NewDispatcher(sb *sandbox.Sandbox) *Dispatcher {
	return &Dispatcher{
		sandbox: sb,
		logger:  logging.NewComponentLogger("Dispatcher"),
		now:     time.Now,
	}
}

// Dispatch executes one event and always produces a result frame. A tool
// failure rides inside the frame as {result: null, error: {message}}; it is
// a protocol success and never an error return.
func (d *Dispatcher) Dispatch(ctx context.Context, scope sandbox.Scope, event protocol.Event) protocol.Result {
	result := protocol.Result{
		EventID:    event.ID,
		CreateTime: event.CreateTime,
		Tool:       protocol.ToolRef{Name: event.ToolCall.Function.Name},
		Args:       map[string]any{},
	}

	args, err := protocol.DecodeArguments(event.ToolCall.Function.Arguments)
	if err != nil {
		d.logger.Warn("Event %s has undecodable arguments: %v", event.ID, err)
		return d.finish(result, nil, errors.NewToolError("bad_arguments", err))
	}
	result.Args = args

	handler, err := d.resolve(event.ToolCall.Function.Name)
	if err != nil {
		return d.finish(result, nil, err)
	}

	workRoot, err := d.sandbox.WorkRoot(scope)
	if err != nil {
		d.logger.Error("Work root for %s/%s unavailable: %v", scope.ProjectID, scope.WorkspaceID, err)
		return d.finish(result, nil, err)
	}

	value, err := handler(ctx, workRoot, args)
	if err != nil {
		d.logger.Info("Event %s tool %s failed: %v", event.ID, event.ToolCall.Function.Name, err)
	}
	return d.finish(result, value, err)
}

func (d *Dispatcher) finish(result protocol.Result, value any, err error) protocol.Result {
	result.Timestamp = d.now()
	if err != nil {
		result.Error = &protocol.ResultError{Message: errors.ToolCode(err)}
		return result
	}
	result.Result = value
	return result
}

type handlerFunc func(ctx context.Context, workRoot string, args map[string]any) (any, error)

func (d *Dispatcher) resolve(name string) (handlerFunc, error) {
	switch name {
	case ToolReadFile:
		return d.readFile, nil
	case ToolUpdateFile:
		return d.updateFile, nil
	case ToolRunCommand:
		return d.runCommand, nil
	default:
		return nil, errors.NewToolError("unknown_tool", fmt.Errorf("unsupported tool %q", name))
	}
}

func (d *Dispatcher) readFile(_ context.Context, workRoot string, args map[string]any) (any, error) {
	filepath, err := stringArg(args, "filepath")
	if err != nil {
		return nil, err
	}
	return d.sandbox.ReadFile(workRoot, filepath)
}

func (d *Dispatcher) updateFile(_ context.Context, workRoot string, args map[string]any) (any, error) {
	filepath, err := stringArg(args, "filepath")
	if err != nil {
		return nil, err
	}
	content, err := stringArg(args, "content")
	if err != nil {
		return nil, err
	}
	return d.sandbox.UpdateFile(workRoot, filepath, content)
}

func (d *Dispatcher) runCommand(ctx context.Context, workRoot string, args map[string]any) (any, error) {
	command, err := stringArg(args, "command")
	if err != nil {
		return nil, err
	}
	return d.sandbox.RunCommand(ctx, workRoot, command)
}

func stringArg(args map[string]any, key string) (string, error) {
	value, ok := args[key]
	if !ok {
		return "", errors.NewToolError("bad_arguments", fmt.Errorf("missing %q", key))
	}
	s, ok := value.(string)
	if !ok {
		return "", errors.NewToolError("bad_arguments", fmt.Errorf("%q must be a string", key))
	}
	return s, nil
}
