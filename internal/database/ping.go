package database

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	pingAttempts = 5
	pingBackoff  = time.Second
)

// pingWithRetry tolerates a dependency that is still starting up, as in a
// compose stack where the API container wins the race.
func pingWithRetry(ctx context.Context, log zerolog.Logger, name string, ping func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= pingAttempts; attempt++ {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = ping(pctx)
		cancel()
		if err == nil {
			return nil
		}
		log.Warn().Err(err).Str("dependency", name).Int("attempt", attempt).Msg("Ping failed")
		if attempt == pingAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * pingBackoff):
		}
	}
	return err
}
