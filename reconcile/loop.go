package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/stream-herald/store"
)

// StartLoop runs fn immediately and then on every interval tick until ctx is
// cancelled. Errors and panics are logged and the loop keeps going; a
// successful run stamps job:<name>:last_run in the kv table.
func StartLoop(ctx context.Context, name string, interval time.Duration, st store.Store, fn func(context.Context) error) {
	log := slog.With(slog.String("component", "loop"), slog.String("job", name))
	run := func() {
		defer func() {
			if p := recover(); p != nil {
				log.Error("job panicked", slog.Any("panic", p))
			}
		}()
		if err := fn(ctx); err != nil {
			log.Error("job failed", slog.Any("err", err))
			return
		}
		if st != nil {
			if err := st.SetKV(ctx, "job:"+name+":last_run", time.Now().UTC().Format(time.RFC3339)); err != nil {
				log.Warn("stamp last run failed", slog.Any("err", err))
			}
		}
	}

	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
