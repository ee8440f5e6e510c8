package domain

import "context"

// ProviderExecutor defines the interface for executing an operation against a
// named provider backend. Implementations perform exactly one attempt; retry
// and failover decisions belong to the caller.
type ProviderExecutor interface {
	Execute(ctx context.Context, provider string, op *Operation) (output string, err error)
}

// ExecutorFunc adapts a plain function to the ProviderExecutor interface.
type ExecutorFunc func(ctx context.Context, provider string, op *Operation) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, provider string, op *Operation) (string, error) {
	return f(ctx, provider, op)
}
