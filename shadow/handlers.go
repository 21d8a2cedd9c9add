package shadow

import (
	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/edgegrid-dev/fleetling/core/logger"
	"github.com/edgegrid-dev/fleetling/correlate"
	"github.com/edgegrid-dev/fleetling/mqtt"
)

// Handle is the message-arrival callback for the provisioned session. It
// runs synchronously inside the transport's processing pass and never
// publishes.
func (s *Sync) Handle(msg mqtt.Message) {
	s.mu.Lock()
	thing, topics := s.thing, s.topics
	s.mu.Unlock()

	log := logger.Default().WithFields(logrus.Fields{"thing": thing, "topic": msg.Topic})
	switch topics.Match(msg.Topic) {
	case APIUpdateDelta:
		s.handleDelta(log, msg.Payload)
	case APIUpdateAccepted:
		s.handleUpdateAccepted(log, msg.Payload)
	case APIUpdateRejected:
		s.handleUpdateRejected(log, msg.Payload)
	case APIUpdateDocuments:
		log.Debug("document snapshot received")
	case APIDeleteAccepted:
		if err := s.pending.Complete(correlate.Accepted, msg.Payload); err != nil {
			log.WithError(err).Error("response dropped")
		}
	case APIDeleteRejected:
		if err := s.pending.Complete(correlate.Rejected, msg.Payload); err != nil {
			log.WithError(err).Error("response dropped")
		}
	default:
		log.Warn("message on unexpected topic")
	}
}

// handleDelta applies a delta notification: discard stale versions,
// advance the local version, and pick up the watched field's new value.
func (s *Sync) handleDelta(log *logrus.Entry, payload []byte) {
	if err := validate(deltaValidator, payload); err != nil {
		log.WithError(err).Error("malformed delta document")
		s.markFailed()
		return
	}
	var doc struct {
		Version     int64          `json:"version"`
		State       map[string]any `json:"state"`
		ClientToken string         `json:"clientToken"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		log.WithError(err).Error("malformed delta document")
		s.markFailed()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.Version <= s.version {
		log.WithFields(logrus.Fields{"version": doc.Version, "current": s.version}).Debug("stale delta discarded")
		return
	}
	s.version = doc.Version

	raw, ok := doc.State[s.field]
	if !ok {
		log.WithField("field", s.field).Warn("delta without watched field")
		return
	}
	value, ok := asInt64(raw)
	if !ok {
		log.WithField("field", s.field).Error("watched field is not a number")
		s.failed = true
		return
	}
	if value != s.value {
		s.value = value
		s.stateChanged = true
		log.WithFields(logrus.Fields{"field": s.field, "value": value, "version": doc.Version}).Info("twin state changed")
	}
}

// handleUpdateAccepted confirms the update by comparing client tokens. A
// foreign token is only a warning, another updater may be active.
func (s *Sync) handleUpdateAccepted(log *logrus.Entry, payload []byte) {
	var doc struct {
		ClientToken string `json:"clientToken"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		log.WithError(err).Warn("unreadable update acknowledgement")
		return
	}
	s.mu.Lock()
	mine := s.currentToken
	s.mu.Unlock()
	if doc.ClientToken == mine {
		log.WithField("clientToken", doc.ClientToken).Info("twin update confirmed")
	} else {
		log.WithFields(logrus.Fields{"clientToken": doc.ClientToken, "published": mine}).Warn("twin update accepted with foreign token")
	}
}

func (s *Sync) handleUpdateRejected(log *logrus.Entry, payload []byte) {
	if err := validate(errorValidator, payload); err != nil {
		log.WithError(err).Error("malformed error document")
		s.markFailed()
		return
	}
	var doc struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		log.WithError(err).Error("malformed error document")
		s.markFailed()
		return
	}
	log.WithFields(logrus.Fields{"code": doc.Code, "message": doc.Message}).Error("twin update rejected")
	s.markFailed()
}

func (s *Sync) markFailed() {
	s.mu.Lock()
	s.failed = true
	s.mu.Unlock()
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
