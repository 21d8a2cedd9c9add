package fleetprov

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edgegrid-dev/fleetling/codec"
	"github.com/edgegrid-dev/fleetling/core/logger"
	"github.com/edgegrid-dev/fleetling/correlate"
	"github.com/edgegrid-dev/fleetling/mqtt"
)

// State is the current position of the workflow. It moves strictly forward
// within one attempt; a failed attempt starts over from Unprovisioned.
type State int

const (
	StateUnprovisioned State = iota
	StateClaimConnected
	StateKeysRequested
	StateKeysReceived
	StateActivated
	StateRegistered
	StateProvisionedConnected
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateUnprovisioned:
		return "unprovisioned"
	case StateClaimConnected:
		return "claim connected"
	case StateKeysRequested:
		return "keys requested"
	case StateKeysReceived:
		return "keys received"
	case StateActivated:
		return "activated"
	case StateRegistered:
		return "registered"
	case StateProvisionedConnected:
		return "provisioned connected"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Store persists identity material across restarts. Load reports whether
// all entries required to skip provisioning are present.
type Store interface {
	Load() (codec.Identity, bool, error)
	Save(codec.Identity) error
}

// Builder holds the configuration of a provisioning workflow.
type Builder struct {
	// Connector establishes the claim and the provisioned transport
	// sessions. Required.
	Connector mqtt.Connector
	// Codec is the wire format used for requests and responses. Required.
	Codec codec.Codec
	// Store persists identity material. Required.
	Store Store
	// TemplateName is the provisioning template devices register against.
	// Required.
	TemplateName string
	// SerialNumber is the device-supplied registration parameter.
	// Required.
	SerialNumber string
	// ProvisionedHandler receives messages on the provisioned session,
	// once established. Optional.
	ProvisionedHandler mqtt.MessageHandler

	// MaxAttempts bounds whole-workflow retries. Default 3.
	MaxAttempts int
	// RetryDelay is the fixed pause between attempts. Default 5s.
	RetryDelay time.Duration
	// ResponseTimeout bounds each wait for a service response. Default 10s.
	ResponseTimeout time.Duration
	// SlotSize is the response slot capacity in bytes. Default 8192.
	SlotSize int
	// RequestLimit bounds the encoded register request. Default 1024.
	RequestLimit int
	// Limits bound the decoded identity fields. Zero value picks the
	// defaults.
	Limits codec.Limits
}

// Workflow is the provisioning state machine. It is not safe for
// concurrent use; one workflow runs at a time.
type Workflow struct {
	connector          mqtt.Connector
	codec              codec.Codec
	store              Store
	topics             Topics
	serial             string
	provisionedHandler mqtt.MessageHandler

	maxAttempts     int
	retryDelay      time.Duration
	responseTimeout time.Duration
	requestLimit    int
	limits          codec.Limits

	pending *correlate.PendingRequest
	state   State
}

// New validates the builder and returns a ready workflow.
func New(b *Builder) (*Workflow, error) {
	if b.Connector == nil {
		return nil, errors.New("fleetprov: Builder.Connector is missing")
	}
	if b.Codec == nil {
		return nil, errors.New("fleetprov: Builder.Codec is missing")
	}
	if b.Store == nil {
		return nil, errors.New("fleetprov: Builder.Store is missing")
	}
	if b.TemplateName == "" {
		return nil, errors.New("fleetprov: Builder.TemplateName is missing")
	}
	if b.SerialNumber == "" {
		return nil, errors.New("fleetprov: Builder.SerialNumber is missing")
	}
	w := &Workflow{
		connector:          b.Connector,
		codec:              b.Codec,
		store:              b.Store,
		topics:             NewTopics(b.Codec.Format(), b.TemplateName),
		serial:             b.SerialNumber,
		provisionedHandler: b.ProvisionedHandler,
		maxAttempts:        b.MaxAttempts,
		retryDelay:         b.RetryDelay,
		responseTimeout:    b.ResponseTimeout,
		requestLimit:       b.RequestLimit,
		limits:             b.Limits,
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = 3
	}
	if w.retryDelay <= 0 {
		w.retryDelay = 5 * time.Second
	}
	if w.responseTimeout <= 0 {
		w.responseTimeout = 10 * time.Second
	}
	slot := b.SlotSize
	if slot <= 0 {
		slot = 8192
	}
	if w.requestLimit <= 0 {
		w.requestLimit = 1024
	}
	if w.limits == (codec.Limits{}) {
		w.limits = codec.DefaultLimits()
	}
	w.pending = correlate.NewPendingRequest(slot)
	return w, nil
}

// MustNew is like New but panics on a bad builder.
func MustNew(b *Builder) *Workflow {
	w, err := New(b)
	if err != nil {
		panic(err)
	}
	return w
}

// State returns the workflow's current state.
func (w *Workflow) State() State {
	return w.state
}

// Run drives the workflow to completion. A device with a complete
// persisted identity skips straight to the provisioned connection.
// Otherwise the claim flow runs, retried as a whole up to the configured
// number of attempts. On success Run returns the identity material and an
// open session authenticated with it; the caller owns the session.
func (w *Workflow) Run(ctx context.Context) (codec.Identity, mqtt.Session, error) {
	log := logger.FromContext(ctx)

	identity, provisioned, err := w.store.Load()
	if err != nil {
		w.state = StateAborted
		return codec.Identity{}, nil, fmt.Errorf("read identity store: %w", err)
	}
	if provisioned {
		log.WithField("thing", identity.ThingName).Info("persisted identity found, skipping provisioning")
		session, err := w.connector.ConnectProvisioned(ctx, provisionedIdentity(identity), w.provisionedHandler)
		if err != nil {
			w.state = StateAborted
			return codec.Identity{}, nil, fmt.Errorf("connect with persisted identity: %w", err)
		}
		w.state = StateDone
		return identity, session, nil
	}

	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		identity, session, err := w.attempt(ctx)
		if err == nil {
			w.state = StateDone
			log.WithField("thing", identity.ThingName).Info("provisioning complete")
			return identity, session, nil
		}
		lastErr = err
		log.WithError(err).WithField("attempt", attempt).Warn("provisioning attempt failed")
		if attempt == w.maxAttempts {
			break
		}
		select {
		case <-time.After(w.retryDelay):
		case <-ctx.Done():
			w.state = StateAborted
			return codec.Identity{}, nil, ctx.Err()
		}
	}
	w.state = StateAborted
	return codec.Identity{}, nil, fmt.Errorf("provisioning failed after %d attempts: %w", w.maxAttempts, lastErr)
}

// attempt runs steps 1 through 11 once. Any failure short-circuits the
// remaining steps of this attempt.
func (w *Workflow) attempt(ctx context.Context) (codec.Identity, mqtt.Session, error) {
	log := logger.FromContext(ctx)
	w.state = StateUnprovisioned

	session, err := w.connector.ConnectWithClaim(ctx, w.handle)
	if err != nil {
		return codec.Identity{}, nil, fmt.Errorf("connect with claim identity: %w", err)
	}
	w.state = StateClaimConnected

	identity, err := w.createKeys(ctx, session)
	if err != nil {
		session.Disconnect()
		return codec.Identity{}, nil, err
	}

	thingName, err := w.register(ctx, session, identity.OwnershipToken)
	if err != nil {
		session.Disconnect()
		return codec.Identity{}, nil, err
	}
	identity.ThingName = thingName
	w.state = StateRegistered

	if err := w.store.Save(identity); err != nil {
		session.Disconnect()
		return codec.Identity{}, nil, fmt.Errorf("persist thing name: %w", err)
	}

	if err := session.Disconnect(); err != nil {
		return codec.Identity{}, nil, fmt.Errorf("disconnect claim session: %w", err)
	}

	provSession, err := w.connector.ConnectProvisioned(ctx, provisionedIdentity(identity), w.provisionedHandler)
	if err != nil {
		return codec.Identity{}, nil, fmt.Errorf("connect with permanent identity: %w", err)
	}
	w.state = StateProvisionedConnected
	log.WithField("thing", thingName).Info("connected with permanent identity")

	return identity, provSession, nil
}

// createKeys runs the CreateKeysAndCertificate exchange and persists the
// identity material it yields.
func (w *Workflow) createKeys(ctx context.Context, session mqtt.Session) (codec.Identity, error) {
	log := logger.FromContext(ctx)

	if err := session.Subscribe(ctx, w.topics.CreateKeysAccepted()); err != nil {
		return codec.Identity{}, fmt.Errorf("subscribe %s: %w", w.topics.CreateKeysAccepted(), err)
	}
	if err := session.Subscribe(ctx, w.topics.CreateKeysRejected()); err != nil {
		return codec.Identity{}, fmt.Errorf("subscribe %s: %w", w.topics.CreateKeysRejected(), err)
	}

	w.pending.Reset()
	// the operation takes no parameters; the claim identity on the
	// connection is all the service needs
	if err := session.Publish(ctx, w.topics.CreateKeysPublish(), nil); err != nil {
		return codec.Identity{}, fmt.Errorf("publish %s: %w", w.topics.CreateKeysPublish(), err)
	}
	w.state = StateKeysRequested

	switch w.wait(ctx, session) {
	case correlate.Accepted:
	case correlate.Rejected:
		return codec.Identity{}, w.rejectionError("CreateKeysAndCertificate")
	default:
		return codec.Identity{}, errors.New("CreateKeysAndCertificate: no response received")
	}

	payload, err := w.pending.Payload()
	if err != nil {
		return codec.Identity{}, fmt.Errorf("CreateKeysAndCertificate: %w", err)
	}
	identity, err := w.codec.DecodeCreateKeysResponse(payload, w.limits)
	if err != nil {
		return codec.Identity{}, err
	}
	w.state = StateKeysReceived

	if err := w.store.Save(*identity); err != nil {
		return codec.Identity{}, fmt.Errorf("persist identity material: %w", err)
	}
	w.state = StateActivated

	// best effort; the identity material is already persisted
	if err := session.Unsubscribe(ctx, w.topics.CreateKeysAccepted()); err != nil {
		log.WithError(err).WithField("topic", w.topics.CreateKeysAccepted()).Warn("unsubscribe failed")
	}
	if err := session.Unsubscribe(ctx, w.topics.CreateKeysRejected()); err != nil {
		log.WithError(err).WithField("topic", w.topics.CreateKeysRejected()).Warn("unsubscribe failed")
	}
	return *identity, nil
}

// register runs the RegisterThing exchange and returns the assigned thing
// name.
func (w *Workflow) register(ctx context.Context, session mqtt.Session, ownershipToken string) (string, error) {
	log := logger.FromContext(ctx)

	if err := session.Subscribe(ctx, w.topics.RegisterAccepted()); err != nil {
		return "", fmt.Errorf("subscribe %s: %w", w.topics.RegisterAccepted(), err)
	}
	if err := session.Subscribe(ctx, w.topics.RegisterRejected()); err != nil {
		return "", fmt.Errorf("subscribe %s: %w", w.topics.RegisterRejected(), err)
	}

	body, err := w.codec.EncodeRegisterRequest(ownershipToken, w.serial, w.requestLimit)
	if err != nil {
		return "", err
	}

	w.pending.Reset()
	if err := session.Publish(ctx, w.topics.RegisterPublish(), body); err != nil {
		return "", fmt.Errorf("publish %s: %w", w.topics.RegisterPublish(), err)
	}

	switch w.wait(ctx, session) {
	case correlate.Accepted:
	case correlate.Rejected:
		return "", w.rejectionError("RegisterThing")
	default:
		return "", errors.New("RegisterThing: no response received")
	}

	payload, err := w.pending.Payload()
	if err != nil {
		return "", fmt.Errorf("RegisterThing: %w", err)
	}
	thingName, err := w.codec.DecodeRegisterResponse(payload, w.limits)
	if err != nil {
		return "", err
	}

	if err := session.Unsubscribe(ctx, w.topics.RegisterAccepted()); err != nil {
		log.WithError(err).WithField("topic", w.topics.RegisterAccepted()).Warn("unsubscribe failed")
	}
	if err := session.Unsubscribe(ctx, w.topics.RegisterRejected()); err != nil {
		log.WithError(err).WithField("topic", w.topics.RegisterRejected()).Warn("unsubscribe failed")
	}
	return thingName, nil
}

// handle is the message-arrival callback of the claim session. It runs
// synchronously inside ProcessOnce and completes the pending request.
func (w *Workflow) handle(msg mqtt.Message) {
	log := logger.Default().WithField("topic", msg.Topic)
	switch w.topics.Match(msg.Topic) {
	case APICreateKeysAccepted, APIRegisterAccepted:
		if err := w.pending.Complete(correlate.Accepted, msg.Payload); err != nil {
			log.WithError(err).Error("response dropped")
		}
	case APICreateKeysRejected, APIRegisterRejected:
		if err := w.pending.Complete(correlate.Rejected, msg.Payload); err != nil {
			log.WithError(err).Error("response dropped")
		}
	default:
		log.Warn("message on unexpected topic")
	}
}

func (w *Workflow) wait(ctx context.Context, session mqtt.Session) correlate.Outcome {
	waitCtx, cancel := context.WithTimeout(ctx, w.responseTimeout)
	defer cancel()
	return w.pending.Wait(waitCtx, session)
}

// rejectionError turns the error document in the response slot into a
// descriptive error.
func (w *Workflow) rejectionError(op string) error {
	payload, err := w.pending.Payload()
	if err != nil {
		return fmt.Errorf("%s rejected: %w", op, err)
	}
	doc, err := w.codec.DecodeErrorDocument(payload)
	if err != nil {
		return fmt.Errorf("%s rejected: %w", op, err)
	}
	return fmt.Errorf("%s rejected: code %d: %s", op, doc.Code, doc.Message)
}

func provisionedIdentity(id codec.Identity) mqtt.Identity {
	return mqtt.Identity{
		CertificatePEM: id.CertificatePEM,
		PrivateKeyPEM:  id.PrivateKey,
		ThingName:      id.ThingName,
	}
}
