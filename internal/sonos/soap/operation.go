package soap

import (
	"context"
)

// ValidationError is returned by an Operation's BuildPayload when the
// request fails local, synchronous validation (§4.B) — it never reaches
// the network.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}

// Operation is a strongly-typed remote action contract. Callers never
// implement Execute by hand; they write one Operation per UPnP action and
// invoke it through Execute, which handles validation, transport, and
// domain-error mapping uniformly (§9: "the client facade is generic over
// the operation type so callers get strong typing without a giant enum").
type Operation[Req any, Resp any] interface {
	Service() Service
	Action() string
	BuildPayload(req Req) (map[string]string, error)
	ParseResponse(body []byte) (Resp, error)
}

// Execute runs op against the device at ip: validate → build payload →
// SOAP call → parse → domain-map. A *ValidationError means the request
// never left the host; transport, fault and parse failures come back as a
// *soap.ApiError produced by DomainError, and any other error from Call
// (such as an unknown service) is returned unchanged.
func Execute[Req any, Resp any](ctx context.Context, client *Client, ip string, op Operation[Req, Resp], req Req) (Resp, error) {
	var zero Resp

	args, err := op.BuildPayload(req)
	if err != nil {
		return zero, err
	}

	body, err := client.Call(ctx, ip, op.Service(), op.Action(), args)
	if err != nil {
		return zero, DomainError(err)
	}

	resp, err := op.ParseResponse(body)
	if err != nil {
		return zero, DomainError(&ParseError{Action: op.Action(), Err: err})
	}
	return resp, nil
}
