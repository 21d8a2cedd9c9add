package mqtt

import (
	"context"
	"errors"
)

// Message is one inbound publish as seen by the message handler.
type Message struct {
	Topic   string
	Payload []byte
}

// MessageHandler is invoked for every inbound publish on a session. The
// handler must not call back into the session's publish path; it only
// records what it saw for the driving workflow to inspect.
type MessageHandler func(Message)

// ErrTimeout is returned by ProcessOnce when no inbound publish arrived
// before the context expired.
var ErrTimeout = errors.New("mqtt: timed out waiting for a message")

// Session is an established MQTT connection.
//
// All methods are synchronous: Subscribe and Unsubscribe return after the
// broker acknowledged the request, Publish returns after the message was
// acknowledged (QoS 1). The workflows use exactly one session at a time.
type Session interface {
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, payload []byte) error

	// ProcessOnce blocks until the message handler has been invoked for at
	// least one inbound publish since the call started, or until ctx
	// expires, in which case it returns ErrTimeout.
	ProcessOnce(ctx context.Context) error

	Disconnect() error
}

// Identity is the credential material a Connector needs to establish a
// session with the permanent device identity.
type Identity struct {
	CertificatePEM string
	PrivateKeyPEM  string
	ThingName      string
}

// Connector establishes sessions. ConnectWithClaim uses the temporary,
// fleet-wide claim credential; ConnectProvisioned uses the identity issued
// by the provisioning service.
type Connector interface {
	ConnectWithClaim(ctx context.Context, handler MessageHandler) (Session, error)
	ConnectProvisioned(ctx context.Context, identity Identity, handler MessageHandler) (Session, error)
}
