package masquerade

import (
	"context"

	merrors "github.com/spacebased/masquerade-go/errors"
)

// ensureBot registers the appservice's own bot device and, if configured,
// keeps its displayname in sync, mirroring the teacher's CryptoHelper.Init
// sequence (MSC4190 device creation, then ShareKeys on first run). The bot
// is otherwise an ordinary puppet device from this point on: it gets its
// own crypto adapter and its own sync loop, driven through the same
// Device.Run as every other AS-owned user.
func (as *Appservice) ensureBot(ctx context.Context) error {
	const op = "masquerade.Appservice.ensureBot"

	u := as.Users.Insert(as.BotUserID)
	d := u.CreateDevice("")

	cli := as.HS.As(as.BotUserID, d.ID).Client()
	if err := cli.CreateDeviceMSC4190(ctx, d.ID.String(), as.Config.Appservice.BotDisplay); err != nil {
		return merrors.Wrap(merrors.HTTP, op, err)
	}

	if as.Config.Appservice.BotDisplay != "" {
		if err := cli.SetDisplayName(ctx, as.Config.Appservice.BotDisplay); err != nil {
			as.Log.Warn().Err(err).Msg("failed to set bot displayname")
		}
	}

	if err := as.buildAdapter(ctx, u, d); err != nil {
		return merrors.Wrap(merrors.CryptoStore, op, err)
	}
	as.bot = d
	return nil
}
