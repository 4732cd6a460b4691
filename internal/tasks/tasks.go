// Package tasks owns background work whose result nobody waits for, such as
// presence logging. Failures are logged, never returned to the code that
// started the task.
package tasks

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var ErrShutdown = errors.New("tasks: supervisor shut down")

// Supervisor tracks every running task so shutdown can drain them.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewSupervisor(logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{ctx: ctx, cancel: cancel, logger: logger}
}

// Group returns a task group, typically one per connection.
func (s *Supervisor) Group(name string) *Group {
	return &Group{sup: s, name: name}
}

// Go runs fn outside of any group.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) bool {
	return s.start(name, nil, fn)
}

func (s *Supervisor) start(name string, g *Group, fn func(ctx context.Context) error) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("task rejected after shutdown", zap.String("task", name))
		return false
	}
	s.wg.Add(1)
	if g != nil {
		g.wg.Add(1)
	}
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if g != nil {
			defer g.wg.Done()
		}
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("background task panicked", zap.String("task", name), zap.Any("panic", r))
			}
		}()

		if err := fn(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			fields := []zap.Field{zap.String("task", name), zap.Error(err)}
			if g != nil {
				fields = append(fields, zap.String("group", g.name))
			}
			s.logger.Warn("background task failed", fields...)
		}
	}()
	return true
}

// Shutdown stops accepting tasks and waits for running ones. When ctx ends
// first, the tasks' context is cancelled and Shutdown still waits for them
// to return.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-drained
		return ctx.Err()
	}
}

// Group scopes tasks to one owner so the owner can wait for its own tasks.
type Group struct {
	sup  *Supervisor
	name string
	wg   sync.WaitGroup
}

// Go starts fn and reports whether it was accepted.
func (g *Group) Go(name string, fn func(ctx context.Context) error) bool {
	return g.sup.start(name, g, fn)
}

// Wait blocks until every task of the group returned.
func (g *Group) Wait() {
	g.wg.Wait()
}
