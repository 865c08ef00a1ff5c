package main

import (
	"context"
	"testing"
	"time"

	"github.com/matta/gotbills/internal/config"
)

func TestInvocationContext(t *testing.T) {
	cases := []struct {
		name    string
		timeout time.Duration
		want    time.Duration
	}{
		{"configured", time.Minute, time.Minute},
		{"unset", 0, defaultInvocationTimeout},
		{"negative", -time.Second, defaultInvocationTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := &app{cfg: &config.Config{Resolve: config.ResolveConfig{InvocationTimeout: tc.timeout}}}
			start := time.Now()
			ctx, cancel := a.invocationContext(context.Background())
			defer cancel()
			end := time.Now()

			deadline, ok := ctx.Deadline()
			if !ok {
				t.Fatal("invocation context has no deadline")
			}
			if deadline.Sub(end) > tc.want || deadline.Sub(start) < tc.want {
				t.Errorf("deadline %v after start, want %v", deadline.Sub(start), tc.want)
			}
		})
	}
}

func TestInvocationContextCanceledWithParent(t *testing.T) {
	a := &app{cfg: &config.Config{Resolve: config.ResolveConfig{InvocationTimeout: time.Hour}}}
	parent, stop := context.WithCancel(context.Background())
	ctx, cancel := a.invocationContext(parent)
	defer cancel()

	stop()
	<-ctx.Done()
	if ctx.Err() != context.Canceled {
		t.Errorf("ctx.Err() = %v, want %v", ctx.Err(), context.Canceled)
	}
}
