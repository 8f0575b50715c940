package ratelimit

import "net/http"

// Transport is an http.RoundTripper that routes every request through
// the limiter under a fixed endpoint key. It lets SDK-managed clients
// (object store, Drive) share the same admission control as the
// hand-rolled HTTP clients.
type Transport struct {
	Endpoint string
	Limiter  *Limiter
	Base     http.RoundTripper
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Limiter != nil {
		if _, err := t.Limiter.Wait(req.Context(), t.Endpoint); err != nil {
			return nil, err
		}
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err == nil && t.Limiter != nil {
		t.Limiter.RecordResponse(t.Endpoint, resp.StatusCode, resp.Header)
	}
	return resp, err
}
