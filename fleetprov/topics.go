package fleetprov

import (
	"github.com/edgegrid-dev/fleetling/codec"
)

// API identifies the provisioning protocol event a topic name stands for.
type API int

const (
	// APINone means the topic belongs to no provisioning operation.
	APINone API = iota
	// APICreateKeysPublish is the request topic of the create keys and
	// certificate operation.
	APICreateKeysPublish
	// APICreateKeysAccepted carries a successful create keys response.
	APICreateKeysAccepted
	// APICreateKeysRejected carries a create keys error document.
	APICreateKeysRejected
	// APIRegisterPublish is the request topic of the register thing
	// operation.
	APIRegisterPublish
	// APIRegisterAccepted carries a successful register thing response.
	APIRegisterAccepted
	// APIRegisterRejected carries a register thing error document.
	APIRegisterRejected
)

func (a API) String() string {
	switch a {
	case APICreateKeysPublish:
		return "create keys publish"
	case APICreateKeysAccepted:
		return "create keys accepted"
	case APICreateKeysRejected:
		return "create keys rejected"
	case APIRegisterPublish:
		return "register thing publish"
	case APIRegisterAccepted:
		return "register thing accepted"
	case APIRegisterRejected:
		return "register thing rejected"
	default:
		return "none"
	}
}

// Topics holds the provisioning topic names for one payload format and one
// provisioning template. The format segment doubles as the codec selector;
// a device uses exactly one format for its lifetime.
type Topics struct {
	createKeys string
	register   string
}

// NewTopics assembles the topic set for the given format and template
// name.
func NewTopics(format codec.Format, template string) Topics {
	return Topics{
		createKeys: "$aws/certificates/create/" + string(format),
		register:   "$aws/provisioning-templates/" + template + "/provision/" + string(format),
	}
}

// CreateKeysPublish is the topic the create keys request is published to.
func (t Topics) CreateKeysPublish() string { return t.createKeys }

// CreateKeysAccepted is the topic a successful create keys response
// arrives on.
func (t Topics) CreateKeysAccepted() string { return t.createKeys + "/accepted" }

// CreateKeysRejected is the topic a create keys error document arrives on.
func (t Topics) CreateKeysRejected() string { return t.createKeys + "/rejected" }

// RegisterPublish is the topic the register thing request is published to.
func (t Topics) RegisterPublish() string { return t.register }

// RegisterAccepted is the topic a successful register thing response
// arrives on.
func (t Topics) RegisterAccepted() string { return t.register + "/accepted" }

// RegisterRejected is the topic a register thing error document arrives
// on.
func (t Topics) RegisterRejected() string { return t.register + "/rejected" }

// Match classifies a topic name. Unknown or malformed topics yield
// APINone; the caller decides whether that is an error.
func (t Topics) Match(topic string) API {
	switch topic {
	case t.CreateKeysPublish():
		return APICreateKeysPublish
	case t.CreateKeysAccepted():
		return APICreateKeysAccepted
	case t.CreateKeysRejected():
		return APICreateKeysRejected
	case t.RegisterPublish():
		return APIRegisterPublish
	case t.RegisterAccepted():
		return APIRegisterAccepted
	case t.RegisterRejected():
		return APIRegisterRejected
	default:
		return APINone
	}
}
