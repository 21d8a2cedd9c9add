package shadow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/edgegrid-dev/fleetling/core/logger"
	"github.com/edgegrid-dev/fleetling/correlate"
	"github.com/edgegrid-dev/fleetling/mqtt"
)

// benignDeleteCode marks the one rejection that counts as success: the
// document to delete did not exist.
const benignDeleteCode = 404

// Builder holds the configuration of a twin synchronization run.
type Builder struct {
	// ThingName addresses the device's twin. Required.
	ThingName string
	// ShadowName addresses a named document; empty selects the classic
	// document.
	ShadowName string
	// Field is the watched state field. Default "powerOn".
	Field string
	// Desired is the value published as desired state at the start of the
	// run.
	Desired int64
	// ResponseTimeout bounds each wait for a service response. Default 10s.
	ResponseTimeout time.Duration
	// SlotSize is the response slot capacity in bytes. Default 4096.
	SlotSize int
	// Now is the clock client tokens are derived from. Default time.Now.
	Now func() time.Time
}

// Sync drives one twin synchronization run and holds the local twin state.
// Handle is safe to call from the transport's dispatch goroutine while Run
// executes; everything else is single-caller.
type Sync struct {
	topics          Topics
	thing           string
	shadowName      string
	field           string
	desired         int64
	responseTimeout time.Duration
	now             func() time.Time

	pending *correlate.PendingRequest

	mu           sync.Mutex
	version      int64
	value        int64
	stateChanged bool
	currentToken string
	failed       bool
}

// New validates the builder and returns a ready synchronizer.
func New(b *Builder) (*Sync, error) {
	if b.ThingName == "" {
		return nil, errors.New("shadow: Builder.ThingName is missing")
	}
	s := &Sync{
		topics:          NewTopics(b.ThingName, b.ShadowName),
		thing:           b.ThingName,
		shadowName:      b.ShadowName,
		field:           b.Field,
		desired:         b.Desired,
		responseTimeout: b.ResponseTimeout,
		now:             b.Now,
	}
	if s.field == "" {
		s.field = "powerOn"
	}
	if s.responseTimeout <= 0 {
		s.responseTimeout = 10 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	slot := b.SlotSize
	if slot <= 0 {
		slot = 4096
	}
	s.pending = correlate.NewPendingRequest(slot)
	return s, nil
}

// MustNew is like New but panics on a bad builder.
func MustNew(b *Builder) *Sync {
	s, err := New(b)
	if err != nil {
		panic(err)
	}
	return s
}

// Rebind points the synchronizer at another thing. Provisioning assigns
// the thing name at runtime, so a synchronizer built up front is rebound
// once the name is known, before Run.
func (s *Sync) Rebind(thingName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thing = thingName
	s.topics = NewTopics(thingName, s.shadowName)
}

// Value returns the local value of the watched field.
func (s *Sync) Value() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Version returns the last document version applied locally.
func (s *Sync) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// StateChanged reports whether a delta has changed the local value since
// the last desired update was published.
func (s *Sync) StateChanged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateChanged
}

// stateDocument is the body of an update publish.
type stateDocument struct {
	State struct {
		Desired  map[string]int64 `json:"desired,omitempty"`
		Reported map[string]int64 `json:"reported,omitempty"`
	} `json:"state"`
	ClientToken string `json:"clientToken"`
}

// Run synchronizes the twin document over the given provisioned session:
// delete any stale document, publish the desired state, apply the
// resulting delta and report back. Run disconnects the session when done.
// The session's message handler must be this Sync's Handle.
func (s *Sync) Run(ctx context.Context, session mqtt.Session) error {
	ctx, log := logger.ContextWithLoggerThing(ctx, s.thing)

	if err := s.deleteDocument(ctx, session); err != nil {
		session.Disconnect()
		return err
	}
	if err := s.updateDocument(ctx, session); err != nil {
		session.Disconnect()
		return err
	}

	for _, topic := range []string{s.topics.UpdateDelta(), s.topics.UpdateAccepted(), s.topics.UpdateRejected()} {
		if err := session.Unsubscribe(ctx, topic); err != nil {
			log.WithError(err).WithField("topic", topic).Warn("unsubscribe failed")
		}
	}
	if err := session.Disconnect(); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}

	s.mu.Lock()
	failed := s.failed
	s.mu.Unlock()
	if failed {
		return errors.New("twin synchronization finished with errors")
	}
	log.Info("twin synchronized")
	return nil
}

// deleteDocument clears any document left over from a previous run. A
// rejection with code 404 counts as success.
func (s *Sync) deleteDocument(ctx context.Context, session mqtt.Session) error {
	log := logger.FromContext(ctx)

	if err := session.Subscribe(ctx, s.topics.DeleteAccepted()); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.topics.DeleteAccepted(), err)
	}
	if err := session.Subscribe(ctx, s.topics.DeleteRejected()); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.topics.DeleteRejected(), err)
	}

	s.pending.Reset()
	if err := session.Publish(ctx, s.topics.DeletePublish(), nil); err != nil {
		return fmt.Errorf("publish %s: %w", s.topics.DeletePublish(), err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.responseTimeout)
	outcome := s.pending.Wait(waitCtx, session)
	cancel()

	for _, topic := range []string{s.topics.DeleteAccepted(), s.topics.DeleteRejected()} {
		if err := session.Unsubscribe(ctx, topic); err != nil {
			log.WithError(err).WithField("topic", topic).Warn("unsubscribe failed")
		}
	}

	switch outcome {
	case correlate.Accepted:
		log.Info("twin document deleted")
		return nil
	case correlate.Rejected:
		payload, err := s.pending.Payload()
		if err != nil {
			return fmt.Errorf("twin delete rejected: %w", err)
		}
		deleted, err := classifyDeleteRejection(payload)
		if err != nil {
			return fmt.Errorf("twin delete rejected: %w", err)
		}
		if !deleted {
			return errors.New("twin delete rejected")
		}
		log.Info("no twin document to delete")
		return nil
	default:
		return errors.New("twin delete: no response received")
	}
}

// classifyDeleteRejection reports whether a delete rejection still means
// the document is gone.
func classifyDeleteRejection(payload []byte) (bool, error) {
	if err := validate(errorValidator, payload); err != nil {
		return false, err
	}
	var doc struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return false, fmt.Errorf("shadow: decode error document: %w", err)
	}
	if doc.Code == benignDeleteCode {
		return true, nil
	}
	return false, fmt.Errorf("shadow: delete rejected with code %d: %s", doc.Code, doc.Message)
}

// updateDocument publishes the desired state and, once the delta has been
// applied, reports the new current state.
func (s *Sync) updateDocument(ctx context.Context, session mqtt.Session) error {
	log := logger.FromContext(ctx)

	for _, topic := range []string{s.topics.UpdateDelta(), s.topics.UpdateAccepted(), s.topics.UpdateRejected()} {
		if err := session.Subscribe(ctx, topic); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	token := s.newToken()
	s.mu.Lock()
	s.currentToken = token
	s.stateChanged = false
	s.mu.Unlock()

	var desired stateDocument
	desired.State.Desired = map[string]int64{s.field: s.desired}
	desired.ClientToken = token
	body, err := json.Marshal(desired)
	if err != nil {
		return fmt.Errorf("encode desired update: %w", err)
	}
	log.WithField("clientToken", token).Info("publishing desired state")
	if err := session.Publish(ctx, s.topics.UpdatePublish(), body); err != nil {
		return fmt.Errorf("publish %s: %w", s.topics.UpdatePublish(), err)
	}

	// the delta may already have been delivered while the publish pumped
	// the transport; one processing pass, then consult the flag
	if err := s.pump(ctx, session); err != nil {
		return err
	}

	if !s.StateChanged() {
		log.Info("twin already in desired state")
		return nil
	}

	token = s.newToken()
	s.mu.Lock()
	s.currentToken = token
	value := s.value
	s.mu.Unlock()

	var reported stateDocument
	reported.State.Reported = map[string]int64{s.field: value}
	reported.ClientToken = token
	body, err = json.Marshal(reported)
	if err != nil {
		return fmt.Errorf("encode reported update: %w", err)
	}
	log.WithField("clientToken", token).Info("publishing reported state")
	if err := session.Publish(ctx, s.topics.UpdatePublish(), body); err != nil {
		return fmt.Errorf("publish %s: %w", s.topics.UpdatePublish(), err)
	}

	// let the accepted notification come in for token confirmation
	return s.pump(ctx, session)
}

// pump runs one bounded transport processing pass. A timeout is not an
// error here, it just means nothing arrived.
func (s *Sync) pump(ctx context.Context, session mqtt.Session) error {
	pumpCtx, cancel := context.WithTimeout(ctx, s.responseTimeout)
	defer cancel()
	if err := session.ProcessOnce(pumpCtx); err != nil && !errors.Is(err, mqtt.ErrTimeout) {
		return fmt.Errorf("process messages: %w", err)
	}
	return nil
}

// newToken derives a six digit correlation token from the clock.
func (s *Sync) newToken() string {
	return fmt.Sprintf("%06d", s.now().UnixMilli()%1000000)
}
