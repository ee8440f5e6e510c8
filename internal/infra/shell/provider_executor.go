package shell

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"ai-control-plane/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// shellProviderExecutor runs operations against locally hosted model
// backends invoked as shell commands, with the operation payload on stdin.
type shellProviderExecutor struct {
	commands map[string]string // provider name -> command line
	timeout  time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewProviderExecutor creates an executor for local command-line providers.
func NewProviderExecutor(commands map[string]string, timeout time.Duration, logger *slog.Logger) domain.ProviderExecutor {
	return &shellProviderExecutor{
		commands: commands,
		timeout:  timeout,
		logger:   logger.With("executor_type", "shell"),
		tracer:   otel.Tracer("control-plane-shell-executor"),
	}
}

// Execute runs the provider's command with the payload on stdin and returns
// its stdout.
func (e *shellProviderExecutor) Execute(ctx context.Context, provider string, op *domain.Operation) (string, error) {
	ctx, span := e.tracer.Start(ctx, "executor.shell.Execute",
		trace.WithAttributes(
			attribute.String("operation.id", op.ID),
			attribute.String("provider", provider),
		))
	defer span.End()

	command, ok := e.commands[provider]
	if !ok {
		return "", fmt.Errorf("provider %s has no configured command: invalid provider", provider)
	}

	e.logger.Info("executing local provider", "provider", provider, "operation_id", op.ID)

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "bash", "-c", command)
	cmd.Stdin = strings.NewReader(op.Payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := stdout.String()
	if errOutput := stderr.String(); errOutput != "" {
		span.SetAttributes(attribute.String("shell.stderr", errOutput))
	}

	if execCtx.Err() == context.DeadlineExceeded {
		span.SetStatus(codes.Error, "local provider timed out")
		return output, fmt.Errorf("local provider %s timed out after %s", provider, e.timeout)
	}
	if err != nil {
		span.SetStatus(codes.Error, "local provider command failed")
		span.RecordError(err)
		return output, fmt.Errorf("local provider %s failed: %w", provider, err)
	}

	e.logger.Info("local provider finished", "provider", provider, "operation_id", op.ID)
	return output, nil
}
