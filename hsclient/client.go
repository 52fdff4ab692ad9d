// Package hsclient implements the homeserver HTTP client (spec §4.2, C2):
// a thin wrapper over maunium.net/go/mautrix.Client that prefixes every
// request with the configured homeserver base URL, carries the
// appservice's as_token, and can masquerade as a specific puppet user (and
// optionally device, per MSC3202) on a per-request basis.
package hsclient

import (
	"context"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	merrors "github.com/spacebased/masquerade-go/errors"
)

// msc3202DeviceIDParam is the MSC-prefixed query parameter name for device
// masquerading. Per spec §9 open questions, bare "device_id" must also be
// accepted on ingress, but only this form is ever emitted on egress.
const msc3202DeviceIDParam = "org.matrix.msc3202.device_id"

// Client wraps a root mautrix.Client authenticated as the appservice
// itself (bearer as_token), vending per-puppet views that attach the
// user_id / device_id masquerade query parameters.
type Client struct {
	root      *mautrix.Client
	userAgent string
}

// New constructs a Client against homeserverURL, authenticated with
// asToken, identifying itself as appserviceID in the User-Agent header —
// matching spec §4.2/§6 exactly.
func New(homeserverURL, appserviceID, asToken string) (*Client, error) {
	const op = "hsclient.New"
	root, err := mautrix.NewClient(homeserverURL, "", asToken)
	if err != nil {
		return nil, merrors.Wrap(merrors.HTTP, op, err)
	}
	root.UserAgent = appserviceID
	return &Client{root: root, userAgent: appserviceID}, nil
}

// As returns a view of the client that masquerades as userID (and, if
// deviceID is non-empty, that specific device) on every request it makes,
// by setting the mautrix.Client's AppServiceUserID/device query params.
func (c *Client) As(userID id.UserID, deviceID id.DeviceID) *Puppet {
	cli := *c.root
	cli.UserID = userID
	cli.AppServiceUserID = userID
	return &Puppet{client: &cli, deviceID: deviceID}
}

// Raw exposes the underlying mautrix.Client authenticated as the
// appservice itself, with no puppet user_id. Nothing in this module calls
// it: the root does not ping the homeserver, look up the bot's profile or
// register the bot; it creates the bot's device through a Puppet view
// (see ensureBot).
func (c *Client) Raw() *mautrix.Client { return c.root }

// Puppet is a homeserver client view masquerading as one puppet user,
// optionally a specific device of that user (MSC3202).
type Puppet struct {
	client   *mautrix.Client
	deviceID id.DeviceID
}

// Client returns the underlying mautrix.Client for calls that need the
// full surface (e.g. Client.SendMessageEvent); the device_id masquerade
// query parameter is attached via deviceIDQuery for calls made through
// raw http verbs.
func (p *Puppet) Client() *mautrix.Client { return p.client }

// deviceIDQuery returns the extra query parameters a raw request to the
// homeserver must carry to masquerade as this puppet's device, per spec
// §4.1/§6: user_id is handled by AppServiceUserID already, device_id is
// appended explicitly since mautrix.Client has no native device masquerade.
func (p *Puppet) deviceIDQuery() map[string]string {
	if p.deviceID == "" {
		return nil
	}
	return map[string]string{msc3202DeviceIDParam: p.deviceID.String()}
}

// JoinedRooms returns the set of rooms this puppet is joined to.
func (p *Puppet) JoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	const op = "hsclient.Puppet.JoinedRooms"
	resp, err := p.client.JoinedRooms(ctx)
	if err != nil {
		return nil, merrors.Wrap(merrors.HomeserverStatus, op, err)
	}
	return resp.JoinedRooms, nil
}

// SetPresence sets this puppet device's presence, masquerading per
// deviceIDQuery (spec §4.5 step 3d).
func (p *Puppet) SetPresence(ctx context.Context, presence string) error {
	const op = "hsclient.Puppet.SetPresence"
	url := p.client.BuildURLWithQuery([]string{"presence", p.client.UserID.String(), "status"}, p.deviceIDQuery())
	body := map[string]string{"presence": presence}
	_, err := p.client.MakeRequest(ctx, "PUT", url, body, nil)
	if err != nil {
		return merrors.Wrap(merrors.HomeserverStatus, op, err)
	}
	return nil
}

// RoomEncrypted reports whether roomID has an m.room.encryption state
// event, satisfying room.Fetcher.
func (p *Puppet) RoomEncrypted(ctx context.Context, roomID id.RoomID) (bool, error) {
	const op = "hsclient.Puppet.RoomEncrypted"
	var content map[string]any
	err := p.client.StateEvent(ctx, roomID, "m.room.encryption", "", &content)
	if err != nil {
		if httpErr, ok := err.(mautrix.HTTPError); ok && httpErr.IsStatus(404) {
			return false, nil
		}
		return false, merrors.Wrap(merrors.HomeserverStatus, op, err)
	}
	return content != nil, nil
}

// JoinedMembers returns the joined member set of roomID, satisfying
// room.Fetcher.
func (p *Puppet) JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	const op = "hsclient.Puppet.JoinedMembers"
	resp, err := p.client.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, merrors.Wrap(merrors.HomeserverStatus, op, err)
	}
	members := make([]id.UserID, 0, len(resp.Joined))
	for userID := range resp.Joined {
		members = append(members, userID)
	}
	return members, nil
}

// PingAppservice performs the homeserver-initiated ping check (spec §4.9):
// POST /_matrix/client/v1/appservice/{id}/ping.
func (c *Client) PingAppservice(ctx context.Context, appserviceID, transactionID string) error {
	const op = "hsclient.Client.PingAppservice"
	url := c.root.BuildBaseURL("_matrix", "client", "v1", "appservice", appserviceID, "ping")
	body := map[string]string{"transaction_id": transactionID}
	_, err := c.root.MakeRequest(ctx, "POST", url, body, nil)
	if err != nil {
		return merrors.Wrap(merrors.HomeserverStatus, op, err)
	}
	return nil
}
