package events

import (
	"context"
	"errors"

	"serialhub/internal/usage"
	"serialhub/pkg/contracts/domain"
)

// Fanout delivers each event to every sink, even when one fails.
type Fanout []usage.Publisher

func (f Fanout) Publish(ctx context.Context, ev domain.UsageEvent) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
