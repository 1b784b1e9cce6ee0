package partclaim

import (
	"context"
)

// Transport delivers a Request to the member coordinating the job and returns
// its Response.
type Transport interface {
	Send(ctx context.Context, req Request) (Response, error)
}

// ServeMessage decodes a request sent by caller, handles it and encodes the
// response. Callers of the transport layer provide caller from their own
// notion of who sent the message.
func (h *ClaimHandler) ServeMessage(payload []byte, caller Address) ([]byte, error) {
	req, err := DecodeRequest(payload)
	if err != nil {
		return nil, err
	}
	snapshot, err := h.Handle(req, caller)
	if err != nil {
		return nil, err
	}
	return EncodeResponse(Response{Found: snapshot != nil, Snapshot: snapshot}), nil
}

// LocalTransport sends requests to a ClaimHandler in the same process. Messages
// still go through the wire encoding.
type LocalTransport struct {
	Handler *ClaimHandler
	Self    Address
}

// Send implements Transport.
func (t LocalTransport) Send(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	payload, err := t.Handler.ServeMessage(EncodeRequest(req), t.Self)
	if err != nil {
		return Response{}, err
	}
	return DecodeResponse(payload)
}
