// Package paymenttest provides an in-memory payment gateway for tests.
package paymenttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/SigNoz/artist-storefront/internal/payment"
)

// Gateway records session requests and hands out sequential session ids.
type Gateway struct {
	mu       sync.Mutex
	requests []payment.SessionRequest
	// Err, when set, is returned by CreateSession instead of a session.
	Err error
}

// CreateSession implements payment.Gateway.
func (g *Gateway) CreateSession(ctx context.Context, req payment.SessionRequest) (*payment.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if g.Err != nil {
		return nil, g.Err
	}
	g.requests = append(g.requests, req)
	id := fmt.Sprintf("cs_test_%d", len(g.requests))
	return &payment.Session{ID: id, URL: "https://pay.example.com/" + id}, nil
}

// Requests returns a copy of every successful request so far.
func (g *Gateway) Requests() []payment.SessionRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]payment.SessionRequest(nil), g.requests...)
}

// Last returns the most recent successful request.
func (g *Gateway) Last() payment.SessionRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.requests) == 0 {
		return payment.SessionRequest{}
	}
	return g.requests[len(g.requests)-1]
}

// SetErr changes the failure injected into CreateSession.
func (g *Gateway) SetErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Err = err
}
