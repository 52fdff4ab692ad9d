package masquerade

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	merrors "github.com/spacebased/masquerade-go/errors"
)

// Run starts the HTTP server surface and the bot device's sync loop as two
// concurrently supervised tasks, structured with golang.org/x/sync/errgroup
// so the first one to fail cancels the other and Run returns that error
// (spec §5's "structured concurrency... first error wins", applied to the
// two authoritative long-running tasks this root owns directly).
func (as *Appservice) Run(ctx context.Context) error {
	const op = "masquerade.Appservice.Run"
	g, gctx := errgroup.WithContext(ctx)

	addr := fmt.Sprintf("%s:%d", as.Config.Appservice.BindIP, as.Config.Appservice.Port)
	httpServer := &http.Server{Addr: addr, Handler: as.Server}

	g.Go(func() error {
		as.Log.Info().Str("address", addr).Msg("appservice listener starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return merrors.Wrap(merrors.HTTP, op, err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return httpServer.Shutdown(context.Background())
	})

	g.Go(func() error {
		pump := as.HS.As(as.BotUserID, as.bot.ID)
		log := as.Log.With().Str("component", "bot").Logger()
		if err := as.bot.Run(gctx, pump, as.Rooms, log); err != nil {
			return merrors.Wrap(merrors.MultipleSync, op, err)
		}
		return nil
	})

	return g.Wait()
}
