// Package transport carries protocol messages between a client connection
// and a dispatcher connection.
package transport

import (
	"errors"

	"github.com/grafana/xk6-channel/protocol"
)

// ErrClosed is returned by Send and Recv once the transport is closed.
var ErrClosed = errors.New("transport closed")

// Transport moves whole messages in order. Recv returning a message is the
// arrival of that message; Recv returning ErrClosed or any error other than
// protocol.ErrMalformedMessage means the transport is gone. A malformed
// message doesn't close the transport.
//
// Send may be called from several goroutines; Recv from one.
type Transport interface {
	Send(msg *protocol.Message) error
	Recv() (*protocol.Message, error)
	Close() error
}

// RawSender is implemented by transports that can send pre-encoded bytes.
type RawSender interface {
	SendRaw(data []byte) error
}
