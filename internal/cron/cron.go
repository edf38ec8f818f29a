// Package cron turns an app's cron_restart expression into restart ticks.
package cron

import (
	"context"
	"fmt"
	"strings"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// Standard five fields with an optional leading seconds field, plus
// descriptors such as "@daily" and "@every 6h".
var parser = rcron.NewParser(rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

// Parse validates expr.
func Parse(expr string) (rcron.Schedule, error) {
	s, err := parser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return s, nil
}

// Ticks returns a channel that receives the activation time each time expr
// fires, until ctx is done. Activations that arrive while the previous one
// is still unread are dropped. A nil loc means time.Local.
func Ticks(ctx context.Context, expr string, loc *time.Location) (<-chan time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	if _, err := Parse(expr); err != nil {
		return nil, err
	}
	c := rcron.New(rcron.WithParser(parser), rcron.WithLocation(loc))
	ch := make(chan time.Time, 1)
	if _, err := c.AddFunc(strings.TrimSpace(expr), func() {
		select {
		case ch <- time.Now():
		default:
		}
	}); err != nil {
		return nil, err
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return ch, nil
}
