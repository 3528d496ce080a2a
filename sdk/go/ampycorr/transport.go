package ampycorr

import (
	"fmt"
	"net/http"
)

// Transport is an http.RoundTripper that reports every outbound call to a
// DependencyTracker. OnCallStop fires on success, error, cancellation and
// panic alike.
type Transport struct {
	Base    http.RoundTripper
	Tracker *DependencyTracker
}

// NewTransport wraps base; a nil base means http.DefaultTransport.
func NewTransport(base http.RoundTripper, tracker *DependencyTracker) *Transport {
	return &Transport{Base: base, Tracker: tracker}
}

func (t *Transport) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Tracker == nil || req == nil {
		return base.RoundTrip(req)
	}

	// RoundTrippers must not modify the caller's request.
	out := req.Clone(req.Context())
	token := t.Tracker.NewToken()
	if startErr := t.Tracker.OnCallStart(req.Context(), token, out); startErr != nil {
		return base.RoundTrip(req)
	}

	defer func() {
		if r := recover(); r != nil {
			t.Tracker.OnCallStop(token, nil, fmt.Errorf("round trip panicked: %v", r))
			panic(r)
		}
	}()

	resp, err = base.RoundTrip(out)
	t.Tracker.OnCallStop(token, resp, err)
	return resp, err
}

// WrapClient returns a shallow copy of c whose transport is instrumented.
func WrapClient(c *http.Client, tracker *DependencyTracker) *http.Client {
	if c == nil {
		c = &http.Client{}
	}
	wrapped := *c
	wrapped.Transport = NewTransport(c.Transport, tracker)
	return &wrapped
}
