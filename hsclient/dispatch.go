package hsclient

import (
	"context"

	"maunium.net/go/mautrix"

	mcrypto "github.com/spacebased/masquerade-go/crypto"
	merrors "github.com/spacebased/masquerade-go/errors"
)

// Dispatch performs one crypto adapter outgoing request against the
// homeserver, masquerading as p's puppet (and device, via deviceIDQuery),
// per the endpoint table in spec §4.1, and returns the decoded response
// the adapter expects back through MarkSent.
func (p *Puppet) Dispatch(ctx context.Context, req mcrypto.OutgoingRequest) (mcrypto.Response, error) {
	const op = "hsclient.Puppet.Dispatch"
	switch req.Kind {
	case mcrypto.KeysQuery:
		var resp mautrix.RespQueryKeys
		if err := p.request(ctx, "POST", []string{"keys", "query"}, req.Body, &resp); err != nil {
			return nil, merrors.Wrap(merrors.HomeserverStatus, op, err)
		}
		return &resp, nil
	case mcrypto.KeysUpload:
		var resp mautrix.RespUploadKeys
		if err := p.request(ctx, "POST", []string{"keys", "upload"}, req.Body, &resp); err != nil {
			return nil, merrors.Wrap(merrors.HomeserverStatus, op, err)
		}
		return &resp, nil
	case mcrypto.KeysClaim:
		var resp mautrix.RespClaimKeys
		if err := p.request(ctx, "POST", []string{"keys", "claim"}, req.Body, &resp); err != nil {
			return nil, merrors.Wrap(merrors.HomeserverStatus, op, err)
		}
		return &resp, nil
	case mcrypto.ToDevice:
		var resp mautrix.RespSendToDevice
		path := []string{"sendToDevice", req.EventType, req.TxnID}
		if err := p.request(ctx, "PUT", path, req.Body, &resp); err != nil {
			return nil, merrors.Wrap(merrors.HomeserverStatus, op, err)
		}
		return &resp, nil
	case mcrypto.SignatureUpload:
		var resp mautrix.RespUploadSignatures
		if err := p.request(ctx, "POST", []string{"keys", "signatures", "upload"}, req.Body, &resp); err != nil {
			return nil, merrors.Wrap(merrors.HomeserverStatus, op, err)
		}
		return &resp, nil
	case mcrypto.RoomMessage:
		var resp mautrix.RespSendEvent
		path := []string{"rooms", req.RoomID.String(), "send", req.EventType, req.TxnID}
		if err := p.request(ctx, "PUT", path, req.Body, &resp); err != nil {
			return nil, merrors.Wrap(merrors.HomeserverStatus, op, err)
		}
		return &resp, nil
	default:
		return nil, merrors.New(merrors.Other, op)
	}
}

// request issues one masquerading call: the user_id parameter is carried
// by the Puppet's client already (AppServiceUserID), device_id is appended
// here since mautrix.Client itself has no notion of device masquerading.
func (p *Puppet) request(ctx context.Context, method string, path []string, body, out any) error {
	url := p.client.BuildURLWithQuery(path, p.deviceIDQuery())
	_, err := p.client.MakeRequest(ctx, method, url, body, out)
	return err
}
