package connector

import (
	"context"
	"errors"
	"net"
)

// ErrNullConnector is returned when a null connector is asked to do real
// work. The dual connector owns both of its backend decisions, so the null
// connector standing on its out side is never dialed; any dial that reaches
// it indicates a wiring mistake.
var ErrNullConnector = errors.New("null connector is a placeholder and cannot open connections")

// Null is the inert counterpart of a dual connector.
type Null struct{}

// Kind returns the connector kind.
func (Null) Kind() Kind { return KindNull }

// Dial always fails with ErrNullConnector.
func (Null) Dial(ctx context.Context) (net.Conn, error) {
	return nil, ErrNullConnector
}
