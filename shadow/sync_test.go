package shadow

import (
	"context"
	"fmt"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"

	"github.com/edgegrid-dev/fleetling/mqtt"
)

// scriptSession is an in-memory transport session. Publishing runs the
// configured respond function; the resulting messages are queued and
// handed to the message handler one per ProcessOnce call.
type scriptSession struct {
	handler      mqtt.MessageHandler
	respond      func(topic string, payload []byte) []mqtt.Message
	queue        []mqtt.Message
	published    []mqtt.Message
	disconnected bool
}

func (s *scriptSession) Subscribe(ctx context.Context, topic string) error   { return nil }
func (s *scriptSession) Unsubscribe(ctx context.Context, topic string) error { return nil }

func (s *scriptSession) Publish(ctx context.Context, topic string, payload []byte) error {
	s.published = append(s.published, mqtt.Message{Topic: topic, Payload: payload})
	if s.respond != nil {
		s.queue = append(s.queue, s.respond(topic, payload)...)
	}
	return nil
}

func (s *scriptSession) ProcessOnce(ctx context.Context) error {
	if len(s.queue) == 0 {
		return mqtt.ErrTimeout
	}
	msg := s.queue[0]
	s.queue = s.queue[1:]
	s.handler(msg)
	return nil
}

func (s *scriptSession) Disconnect() error {
	s.disconnected = true
	return nil
}

// tickClock yields a strictly increasing millisecond clock so every token
// is distinct.
func tickClock() func() time.Time {
	ms := int64(0)
	return func() time.Time {
		ms++
		return time.UnixMilli(ms)
	}
}

func newTestSync(t *testing.T) *Sync {
	t.Helper()
	return MustNew(&Builder{
		ThingName:       "dev-29B5",
		Desired:         1,
		ResponseTimeout: 50 * time.Millisecond,
		Now:             tickClock(),
	})
}

type publishedState struct {
	State struct {
		Desired  map[string]int64 `json:"desired"`
		Reported map[string]int64 `json:"reported"`
	} `json:"state"`
	ClientToken string `json:"clientToken"`
}

func decodeState(t *testing.T, payload []byte) publishedState {
	t.Helper()
	var doc publishedState
	if err := json.Unmarshal(payload, &doc); err != nil {
		t.Fatal(err)
	}
	return doc
}

func TestRunSynchronizesTwin(t *testing.T) {
	sync := newTestSync(t)
	topics := sync.topics

	session := &scriptSession{handler: sync.Handle}
	session.respond = func(topic string, payload []byte) []mqtt.Message {
		switch topic {
		case topics.DeletePublish():
			return []mqtt.Message{{Topic: topics.DeleteAccepted()}}
		case topics.UpdatePublish():
			doc := decodeState(t, payload)
			if doc.State.Desired != nil {
				delta := fmt.Sprintf(`{"version":1,"state":{"powerOn":%d},"clientToken":%q}`,
					doc.State.Desired["powerOn"], doc.ClientToken)
				return []mqtt.Message{{Topic: topics.UpdateDelta(), Payload: []byte(delta)}}
			}
			return []mqtt.Message{{
				Topic:   topics.UpdateAccepted(),
				Payload: []byte(fmt.Sprintf(`{"clientToken":%q}`, doc.ClientToken)),
			}}
		default:
			return nil
		}
	}

	if err := sync.Run(context.Background(), session); err != nil {
		t.Fatal(err)
	}

	assert.EqualValues(t, 1, sync.Value())
	assert.EqualValues(t, 1, sync.Version())
	assert.True(t, sync.StateChanged())
	assert.True(t, session.disconnected)

	// delete, desired update, reported update
	if assert.Len(t, session.published, 3) {
		desired := decodeState(t, session.published[1].Payload)
		reported := decodeState(t, session.published[2].Payload)
		assert.EqualValues(t, 1, desired.State.Desired["powerOn"])
		assert.EqualValues(t, 1, reported.State.Reported["powerOn"])
		assert.NotEmpty(t, desired.ClientToken)
		assert.NotEmpty(t, reported.ClientToken)
		assert.NotEqual(t, desired.ClientToken, reported.ClientToken, "reported update must carry a fresh token")
	}
}

func TestRunTreats404DeleteRejectionAsSuccess(t *testing.T) {
	sync := newTestSync(t)
	topics := sync.topics

	session := &scriptSession{handler: sync.Handle}
	session.respond = func(topic string, payload []byte) []mqtt.Message {
		switch topic {
		case topics.DeletePublish():
			return []mqtt.Message{{
				Topic:   topics.DeleteRejected(),
				Payload: []byte(`{"code":404,"message":"No shadow exists with name: 'dev-29B5'"}`),
			}}
		case topics.UpdatePublish():
			doc := decodeState(t, payload)
			if doc.State.Desired != nil {
				return []mqtt.Message{{
					Topic:   topics.UpdateDelta(),
					Payload: []byte(fmt.Sprintf(`{"version":1,"state":{"powerOn":1},"clientToken":%q}`, doc.ClientToken)),
				}}
			}
			return nil
		default:
			return nil
		}
	}

	if err := sync.Run(context.Background(), session); err != nil {
		t.Fatal(err)
	}
	assert.EqualValues(t, 1, sync.Value())
}

func TestRunFailsOnOtherDeleteRejection(t *testing.T) {
	sync := newTestSync(t)
	topics := sync.topics

	session := &scriptSession{handler: sync.Handle}
	session.respond = func(topic string, payload []byte) []mqtt.Message {
		if topic == topics.DeletePublish() {
			return []mqtt.Message{{
				Topic:   topics.DeleteRejected(),
				Payload: []byte(`{"code":403,"message":"Forbidden"}`),
			}}
		}
		return nil
	}

	err := sync.Run(context.Background(), session)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "code 403")
	assert.True(t, session.disconnected)
}

func TestRunFailsWithoutDeleteResponse(t *testing.T) {
	sync := newTestSync(t)
	session := &scriptSession{handler: sync.Handle}

	err := sync.Run(context.Background(), session)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no response received")
}

func TestRunSkipsReportWhenAlreadyInDesiredState(t *testing.T) {
	sync := newTestSync(t)
	topics := sync.topics

	// the service sends no delta: desired matches the document
	session := &scriptSession{handler: sync.Handle}
	session.respond = func(topic string, payload []byte) []mqtt.Message {
		if topic == topics.DeletePublish() {
			return []mqtt.Message{{Topic: topics.DeleteAccepted()}}
		}
		return nil
	}

	if err := sync.Run(context.Background(), session); err != nil {
		t.Fatal(err)
	}
	assert.False(t, sync.StateChanged())
	// delete and desired update only
	assert.Len(t, session.published, 2)
}

func TestClassifyDeleteRejection(t *testing.T) {
	deleted, err := classifyDeleteRejection([]byte(`{"code":404,"message":"no document"}`))
	assert.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = classifyDeleteRejection([]byte(`{"code":401}`))
	assert.Error(t, err)
	assert.False(t, deleted)

	deleted, err = classifyDeleteRejection([]byte(`{"message":"code missing"}`))
	assert.Error(t, err)
	assert.False(t, deleted)

	deleted, err = classifyDeleteRejection([]byte(`not json`))
	assert.Error(t, err)
	assert.False(t, deleted)
}

func deltaMessage(sync *Sync, version int64, value int64) mqtt.Message {
	return mqtt.Message{
		Topic:   sync.topics.UpdateDelta(),
		Payload: []byte(fmt.Sprintf(`{"version":%d,"state":{"powerOn":%d}}`, version, value)),
	}
}

func TestStaleDeltasAreDiscarded(t *testing.T) {
	sync := newTestSync(t)

	sync.Handle(deltaMessage(sync, 5, 1))
	assert.EqualValues(t, 5, sync.Version())
	assert.EqualValues(t, 1, sync.Value())
	assert.True(t, sync.StateChanged())

	sync.mu.Lock()
	sync.stateChanged = false
	sync.mu.Unlock()

	// these must leave state and flag untouched
	sync.Handle(deltaMessage(sync, 5, 9))
	sync.Handle(deltaMessage(sync, 4, 9))
	sync.Handle(deltaMessage(sync, 0, 9))

	assert.EqualValues(t, 5, sync.Version())
	assert.EqualValues(t, 1, sync.Value())
	assert.False(t, sync.StateChanged())
}

func TestVersionIsMonotonic(t *testing.T) {
	sync := newTestSync(t)

	for _, step := range []struct {
		version int64
		value   int64
	}{
		{2, 1}, {1, 7}, {4, 0}, {3, 9}, {4, 9}, {6, 1},
	} {
		sync.Handle(deltaMessage(sync, step.version, step.value))
	}
	// only versions 2, 4 and 6 were applied
	assert.EqualValues(t, 6, sync.Version())
	assert.EqualValues(t, 1, sync.Value())
}

func TestMalformedDeltaMarksRunFailed(t *testing.T) {
	sync := newTestSync(t)

	sync.Handle(mqtt.Message{Topic: sync.topics.UpdateDelta(), Payload: []byte(`{"state":{}}`)})
	sync.mu.Lock()
	failed := sync.failed
	sync.mu.Unlock()
	assert.True(t, failed)
	assert.EqualValues(t, 0, sync.Version())

	// processing continues: a later well-formed delta is still applied
	sync.Handle(deltaMessage(sync, 1, 1))
	assert.EqualValues(t, 1, sync.Version())
}

func TestDeltaWithEqualValueSetsNoFlag(t *testing.T) {
	sync := newTestSync(t)

	sync.Handle(deltaMessage(sync, 1, 0))
	assert.EqualValues(t, 1, sync.Version(), "version advances")
	assert.False(t, sync.StateChanged(), "value unchanged")
}

func TestUpdateRejectedMarksRunFailed(t *testing.T) {
	sync := newTestSync(t)

	sync.Handle(mqtt.Message{
		Topic:   sync.topics.UpdateRejected(),
		Payload: []byte(`{"code":400,"message":"invalid document"}`),
	})
	sync.mu.Lock()
	failed := sync.failed
	sync.mu.Unlock()
	assert.True(t, failed)
}

func TestRebind(t *testing.T) {
	sync := MustNew(&Builder{ThingName: "pending", ShadowName: "config"})
	sync.Rebind("dev-29B5")

	assert.Equal(t, "$aws/things/dev-29B5/shadow/name/config/update", sync.topics.UpdatePublish())

	// deltas for the old name no longer match
	sync.Handle(mqtt.Message{
		Topic:   "$aws/things/pending/shadow/name/config/update/delta",
		Payload: []byte(`{"version":1,"state":{"powerOn":1}}`),
	})
	assert.EqualValues(t, 0, sync.Version())
}

func TestForeignTokenIsNotAnError(t *testing.T) {
	sync := newTestSync(t)
	sync.mu.Lock()
	sync.currentToken = "000001"
	sync.mu.Unlock()

	sync.Handle(mqtt.Message{
		Topic:   sync.topics.UpdateAccepted(),
		Payload: []byte(`{"clientToken":"999999"}`),
	})
	sync.mu.Lock()
	failed := sync.failed
	sync.mu.Unlock()
	assert.False(t, failed)
}
