package wipe

import (
	"context"

	"github.com/cockroachdb/errors"

	"wipecert_enterprise/internal/system"
)

// Backend is the per-platform erasure capability: it resolves a command
// for a device and runs it. One Backend is chosen at startup.
type Backend interface {
	Platform() system.Platform
	Resolve(dev system.Device, opts Options) (*CommandSpec, error)
	Execute(ctx context.Context, dev system.Device, spec *CommandSpec, onProgress ProgressFunc) (*Outcome, error)
}

// Resolver maps a device and options to a concrete command.
type Resolver interface {
	Resolve(dev system.Device, opts Options) (*CommandSpec, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(dev system.Device, opts Options) (*CommandSpec, error)

func (f ResolverFunc) Resolve(dev system.Device, opts Options) (*CommandSpec, error) {
	return f(dev, opts)
}

type commandBackend struct {
	platform system.Platform
	resolver Resolver
	executor *Executor
}

// NewCommandBackend pairs a resolver with an executor.
func NewCommandBackend(platform system.Platform, resolver Resolver, executor *Executor) Backend {
	return &commandBackend{platform: platform, resolver: resolver, executor: executor}
}

// NewBackend returns the built-in backend for platform.
func NewBackend(platform system.Platform, executor *Executor, opts ResolverOptions) (Backend, error) {
	resolver, err := NewResolver(platform, opts)
	if err != nil {
		return nil, err
	}
	return NewCommandBackend(platform, resolver, executor), nil
}

func (b *commandBackend) Platform() system.Platform { return b.platform }

func (b *commandBackend) Resolve(dev system.Device, opts Options) (*CommandSpec, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	spec, err := b.resolver.Resolve(dev, opts)
	if err != nil {
		return nil, err
	}
	if spec.Passes > MaxPasses {
		return nil, errors.AssertionFailedf("resolver produced %d passes", spec.Passes)
	}
	return spec, nil
}

func (b *commandBackend) Execute(ctx context.Context, dev system.Device, spec *CommandSpec, onProgress ProgressFunc) (*Outcome, error) {
	return b.executor.Execute(ctx, dev, spec, onProgress)
}
