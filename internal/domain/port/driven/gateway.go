package driven

import (
	"context"
	"encoding/json"
	"time"
)

// Request is a transport-agnostic call to a peer portal service.
// Body is marshalled to JSON when non-nil; a json.RawMessage body is sent
// as-is. NoAuth skips bearer injection and the 401 refresh-and-retry stage,
// which the credential refresh call itself relies on to avoid recursion.
type Request struct {
	Method  string
	Path    string
	Query   map[string]string
	Body    any
	NoAuth  bool
	Timeout time.Duration // per-attempt override; zero means the gateway default
}

// Response is the normalized success shape of a peer call.
type Response struct {
	Status int
	Data   json.RawMessage
}

// Gateway is the request pipeline port. Failures are returned as
// *model.APIError carrying the taxonomy kind and original status.
type Gateway interface {
	Do(ctx context.Context, req Request) (*Response, error)
}
