package correlate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// scriptPump completes the request after a configurable number of
// ProcessOnce calls, mimicking a transport that delivers unrelated
// messages before the response.
type scriptPump struct {
	pending *PendingRequest
	after   int
	outcome Outcome
	payload []byte
	calls   int
}

func (s *scriptPump) ProcessOnce(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.calls++
	if s.calls >= s.after {
		s.pending.Complete(s.outcome, s.payload)
	}
	return nil
}

func TestWaitAccepted(t *testing.T) {
	pending := NewPendingRequest(64)
	pump := &scriptPump{pending: pending, after: 1, outcome: Accepted, payload: []byte(`{"thingName":"dev-1"}`)}

	outcome := pending.Wait(context.Background(), pump)
	assert.Equal(t, Accepted, outcome)

	payload, err := pending.Payload()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, []byte(`{"thingName":"dev-1"}`), payload)
}

func TestWaitSkipsUnrelatedMessages(t *testing.T) {
	pending := NewPendingRequest(64)
	pump := &scriptPump{pending: pending, after: 3, outcome: Rejected, payload: []byte(`{"statusCode":400}`)}

	outcome := pending.Wait(context.Background(), pump)
	assert.Equal(t, Rejected, outcome)
	assert.Equal(t, 3, pump.calls)
}

func TestWaitTimeout(t *testing.T) {
	pending := NewPendingRequest(64)
	pump := &scriptPump{pending: pending, after: 1 << 30}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	outcome := pending.Wait(ctx, pump)
	assert.Equal(t, NotReceived, outcome)
}

func TestCompleteOversize(t *testing.T) {
	pending := NewPendingRequest(8)
	err := pending.Complete(Accepted, []byte("0123456789abcdef"))
	assert.Error(t, err)

	// the outcome is still recorded so the caller fails with the size
	// error instead of waiting out the deadline
	assert.Equal(t, Accepted, pending.Outcome())
	_, err = pending.Payload()
	assert.Error(t, err)
}

func TestResetClearsPreviousResponse(t *testing.T) {
	pending := NewPendingRequest(8)
	if err := pending.Complete(Accepted, []byte("ok")); err != nil {
		t.Fatal(err)
	}
	pending.Reset()

	assert.Equal(t, NotReceived, pending.Outcome())
	payload, err := pending.Payload()
	if err != nil {
		t.Fatal(err)
	}
	assert.Empty(t, payload)
}

func TestPayloadIsACopy(t *testing.T) {
	pending := NewPendingRequest(8)
	buf := []byte("abc")
	if err := pending.Complete(Accepted, buf); err != nil {
		t.Fatal(err)
	}
	buf[0] = 'x'

	payload, err := pending.Payload()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, []byte("abc"), payload)
}
