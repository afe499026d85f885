package cache

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/xenking/apikeys/internal/domain/apikey"
)

// Invalidator returns a Manager listener that drops the cached verdict of
// every saved or deleted record.
func Invalidator(c apikey.Cache) apikey.Listener {
	return func(ctx context.Context, e apikey.Event) error {
		if err := c.InvalidateByPrefix(ctx, e.Key.Prefix); err != nil {
			return errors.Wrapf(err, "invalidate %s", e.Key.Prefix)
		}
		return nil
	}
}
