package main

import (
	"context"
	"fmt"
	"time"

	"taskd/internal/registry"
	"taskd/pkg/logx"
)

// registerBuiltins installs the stock task functions. Business callables are
// registered here once at startup and referenced by name afterwards.
func registerBuiltins(reg *registry.Registry, log logx.Logger) {
	_ = reg.Register("noop", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return nil, nil
	})

	_ = reg.Register("echo", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		if len(args) == 1 {
			return args[0], nil
		}
		return args, nil
	})

	_ = reg.Register("log_message", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		msg, _ := kwargs["message"].(string)
		if msg == "" && len(args) > 0 {
			msg = fmt.Sprint(args[0])
		}
		log.Info("task message", logx.String("message", msg))
		return msg, nil
	})

	_ = reg.Register("sleep", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		dur := time.Second
		if s, ok := kwargs["duration"].(string); ok {
			if d, err := time.ParseDuration(s); err == nil {
				dur = d
			}
		}
		select {
		case <-time.After(dur):
			return dur.String(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}
