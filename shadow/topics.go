package shadow

import (
	"strings"
)

// API identifies the twin protocol event a topic name stands for.
type API int

const (
	APINone API = iota
	APIUpdatePublish
	APIUpdateAccepted
	APIUpdateRejected
	APIUpdateDelta
	APIUpdateDocuments
	APIDeletePublish
	APIDeleteAccepted
	APIDeleteRejected
	APIGetPublish
	APIGetAccepted
	APIGetRejected
)

func (a API) String() string {
	switch a {
	case APIUpdatePublish:
		return "update publish"
	case APIUpdateAccepted:
		return "update accepted"
	case APIUpdateRejected:
		return "update rejected"
	case APIUpdateDelta:
		return "update delta"
	case APIUpdateDocuments:
		return "update documents"
	case APIDeletePublish:
		return "delete publish"
	case APIDeleteAccepted:
		return "delete accepted"
	case APIDeleteRejected:
		return "delete rejected"
	case APIGetPublish:
		return "get publish"
	case APIGetAccepted:
		return "get accepted"
	case APIGetRejected:
		return "get rejected"
	default:
		return "none"
	}
}

// Topics holds the twin topic names for one device and one document. An
// empty shadow name addresses the classic (unnamed) document.
type Topics struct {
	prefix string
}

// NewTopics assembles the topic set for the given thing and shadow name.
func NewTopics(thingName, shadowName string) Topics {
	prefix := "$aws/things/" + thingName + "/shadow"
	if shadowName != "" {
		prefix += "/name/" + shadowName
	}
	return Topics{prefix: prefix}
}

func (t Topics) UpdatePublish() string   { return t.prefix + "/update" }
func (t Topics) UpdateAccepted() string  { return t.prefix + "/update/accepted" }
func (t Topics) UpdateRejected() string  { return t.prefix + "/update/rejected" }
func (t Topics) UpdateDelta() string     { return t.prefix + "/update/delta" }
func (t Topics) UpdateDocuments() string { return t.prefix + "/update/documents" }
func (t Topics) DeletePublish() string   { return t.prefix + "/delete" }
func (t Topics) DeleteAccepted() string  { return t.prefix + "/delete/accepted" }
func (t Topics) DeleteRejected() string  { return t.prefix + "/delete/rejected" }
func (t Topics) GetPublish() string      { return t.prefix + "/get" }
func (t Topics) GetAccepted() string     { return t.prefix + "/get/accepted" }
func (t Topics) GetRejected() string     { return t.prefix + "/get/rejected" }

// Match classifies a topic name. Topics of other devices, other documents
// and malformed names yield APINone.
func (t Topics) Match(topic string) API {
	if !strings.HasPrefix(topic, t.prefix) {
		return APINone
	}
	switch topic[len(t.prefix):] {
	case "/update":
		return APIUpdatePublish
	case "/update/accepted":
		return APIUpdateAccepted
	case "/update/rejected":
		return APIUpdateRejected
	case "/update/delta":
		return APIUpdateDelta
	case "/update/documents":
		return APIUpdateDocuments
	case "/delete":
		return APIDeletePublish
	case "/delete/accepted":
		return APIDeleteAccepted
	case "/delete/rejected":
		return APIDeleteRejected
	case "/get":
		return APIGetPublish
	case "/get/accepted":
		return APIGetAccepted
	case "/get/rejected":
		return APIGetRejected
	default:
		return APINone
	}
}
