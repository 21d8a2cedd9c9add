/*Package correlate provides the single-slot request/response primitive the
workflows use to wait for the answer to their last publish.

The pub/sub transport has no RPC semantics: a response arrives as an
ordinary publish on an accepted or rejected topic, delivered to the message
handler while the workflow pumps the transport. A PendingRequest bridges
the two sides: the handler completes it, the workflow waits on it. Exactly
one request is outstanding at any time; the protocol is strictly
request/wait/response.
*/
package correlate

import (
	"context"
	"fmt"
	"sync"
)

// Outcome is the terminal state of a pending request.
type Outcome int

const (
	// NotReceived means no matching response arrived before the wait
	// expired.
	NotReceived Outcome = iota
	// Accepted means the response arrived on the accepted topic.
	Accepted
	// Rejected means the response arrived on the rejected topic.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	default:
		return "not received"
	}
}

// Pump is the transport's message-processing entry point. ProcessOnce
// blocks until at least one inbound message has been dispatched to the
// message handler, or until ctx expires.
type Pump interface {
	ProcessOnce(ctx context.Context) error
}

// PendingRequest holds the outcome and response payload of the one request
// the workflow is waiting on. The message handler writes it, the workflow
// reads it after Wait returns. The payload slot has a fixed capacity;
// oversized responses are recorded as an error, never truncated silently.
type PendingRequest struct {
	mu       sync.Mutex
	capacity int
	outcome  Outcome
	payload  []byte
	oversize int
}

// NewPendingRequest returns a pending request whose response slot holds up
// to capacity bytes.
func NewPendingRequest(capacity int) *PendingRequest {
	return &PendingRequest{
		capacity: capacity,
		payload:  make([]byte, 0, capacity),
	}
}

// Reset clears the slot for the next request. Call it before publishing,
// not after: the response may arrive while the publish call is still
// pumping the transport.
func (p *PendingRequest) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcome = NotReceived
	p.payload = p.payload[:0]
	p.oversize = 0
}

// Complete records a response. It is called by the message handler. A
// payload larger than the slot capacity is clamped and reported as an
// error; the outcome is still recorded so the workflow fails with the size
// error instead of a timeout.
func (p *PendingRequest) Complete(outcome Outcome, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcome = outcome
	if len(payload) > p.capacity {
		p.oversize = len(payload)
		p.payload = append(p.payload[:0], payload[:p.capacity]...)
		return fmt.Errorf("correlate: response of %d bytes exceeds the %d byte slot", len(payload), p.capacity)
	}
	p.oversize = 0
	p.payload = append(p.payload[:0], payload...)
	return nil
}

// Wait pumps the transport until an outcome has been recorded or ctx
// expires. It returns the recorded outcome; NotReceived means the wait
// timed out.
func (p *PendingRequest) Wait(ctx context.Context, pump Pump) Outcome {
	for {
		p.mu.Lock()
		outcome := p.outcome
		p.mu.Unlock()
		if outcome != NotReceived {
			return outcome
		}
		if err := pump.ProcessOnce(ctx); err != nil {
			p.mu.Lock()
			outcome = p.outcome
			p.mu.Unlock()
			return outcome
		}
	}
}

// Outcome returns the currently recorded outcome without waiting.
func (p *PendingRequest) Outcome() Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcome
}

// Payload returns the recorded response body. It fails if the response
// exceeded the slot capacity.
func (p *PendingRequest) Payload() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.oversize > 0 {
		return nil, fmt.Errorf("correlate: response of %d bytes exceeded the %d byte slot", p.oversize, p.capacity)
	}
	out := make([]byte, len(p.payload))
	copy(out, p.payload)
	return out, nil
}
