// Command masquerade-example wires the SDK's config loader, appservice
// root, and a sample event handler together, mirroring the shape of the
// teacher's own main.go (load config, build the appservice, register
// handlers, start).
package main

import (
	"context"
	"log"
	"os"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"

	masquerade "github.com/spacebased/masquerade-go"
	"github.com/spacebased/masquerade-go/config"
	"github.com/spacebased/masquerade-go/handler"
)

// textMessage is the smallest useful example handler payload: log every
// plaintext (or successfully decrypted) m.room.message this device sees.
type textMessage struct {
	Body string `json:"body"`
}

func (textMessage) EventType() event.Type { return event.EventMessage }

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	ctx := context.Background()
	as, err := masquerade.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to initialize appservice: %v", err)
	}

	if err := handler.Register(as.Handlers, func(_ context.Context, msg textMessage, hctx handler.Context) error {
		as.Log.Info().Stringer("room_id", hctx.RoomID).Stringer("sender", hctx.SenderID).Str("body", msg.Body).Msg("received message")
		return nil
	}); err != nil {
		log.Fatalf("failed to register example handler: %v", err)
	}

	as.Log.Info().Msg("masquerade appservice starting")
	if err := as.Run(ctx); err != nil {
		as.Log.Fatal().Err(err).Msg("appservice exited")
	}
}
