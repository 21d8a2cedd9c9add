package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/edgegrid-dev/fleetling/core/logger"
)

// Config holds everything the paho-backed Connector needs to dial a broker.
type Config struct {
	// BrokerURL is the broker address, e.g. "tls://broker:8883" or
	// "tcp://localhost:1883" for the local emulator.
	BrokerURL string
	// ClientID is the MQTT client identifier used for the claim session.
	// The provisioned session uses the assigned thing name instead.
	ClientID string
	// ClaimCertPEM and ClaimKeyPEM are the temporary claim credentials.
	ClaimCertPEM []byte
	ClaimKeyPEM  []byte
	// CACertPEM is the broker's certificate authority. Optional; when empty
	// the host's root pool is used.
	CACertPEM []byte
	// Insecure dials without TLS. Meant for the local emulator only.
	Insecure bool
	// ConnectTimeout bounds the CONNECT handshake. Defaults to 30s.
	ConnectTimeout time.Duration
	// KeepAlive is the MQTT keep-alive interval. Defaults to 60s.
	KeepAlive time.Duration
}

type pahoConnector struct {
	cfg Config
}

// NewConnector returns a Connector backed by the Eclipse Paho MQTT client.
func NewConnector(cfg Config) Connector {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	return &pahoConnector{cfg: cfg}
}

func (c *pahoConnector) ConnectWithClaim(ctx context.Context, handler MessageHandler) (Session, error) {
	var tlsConfig *tls.Config
	if !c.cfg.Insecure {
		cert, err := tls.X509KeyPair(c.cfg.ClaimCertPEM, c.cfg.ClaimKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("loading claim credentials: %w", err)
		}
		tlsConfig = c.tlsConfig(cert)
	}
	return c.dial(ctx, c.cfg.ClientID, tlsConfig, handler)
}

func (c *pahoConnector) ConnectProvisioned(ctx context.Context, identity Identity, handler MessageHandler) (Session, error) {
	var tlsConfig *tls.Config
	if !c.cfg.Insecure {
		cert, err := tls.X509KeyPair([]byte(identity.CertificatePEM), []byte(identity.PrivateKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("loading provisioned credentials: %w", err)
		}
		tlsConfig = c.tlsConfig(cert)
	}
	clientID := identity.ThingName
	if clientID == "" {
		clientID = c.cfg.ClientID
	}
	return c.dial(ctx, clientID, tlsConfig, handler)
}

func (c *pahoConnector) tlsConfig(cert tls.Certificate) *tls.Config {
	config := &tls.Config{Certificates: []tls.Certificate{cert}}
	if len(c.cfg.CACertPEM) > 0 {
		pool := x509.NewCertPool()
		pool.AppendCertsFromPEM(c.cfg.CACertPEM)
		config.RootCAs = pool
	}
	return config
}

func (c *pahoConnector) dial(ctx context.Context, clientID string, tlsConfig *tls.Config, handler MessageHandler) (Session, error) {
	s := &pahoSession{
		handler: handler,
		notify:  make(chan struct{}, 1),
	}
	if s.handler == nil {
		s.handler = func(Message) {}
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(c.cfg.BrokerURL)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	opts.SetKeepAlive(c.cfg.KeepAlive)
	opts.SetDefaultPublishHandler(func(_ pahomqtt.Client, m pahomqtt.Message) {
		s.dispatch(m)
	})
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}

	client := pahomqtt.NewClient(opts)
	s.client = client

	token := client.Connect()
	if err := waitToken(ctx, token); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.cfg.BrokerURL, err)
	}
	logger.FromContext(ctx).Infof("connected to %s as %s", c.cfg.BrokerURL, clientID)
	return s, nil
}

type pahoSession struct {
	client  pahomqtt.Client
	handler MessageHandler
	notify  chan struct{}
}

func (s *pahoSession) dispatch(m pahomqtt.Message) {
	s.handler(Message{Topic: m.Topic(), Payload: m.Payload()})
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *pahoSession) Subscribe(ctx context.Context, topic string) error {
	token := s.client.Subscribe(topic, 1, func(_ pahomqtt.Client, m pahomqtt.Message) {
		s.dispatch(m)
	})
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	return nil
}

func (s *pahoSession) Unsubscribe(ctx context.Context, topic string) error {
	token := s.client.Unsubscribe(topic)
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("unsubscribing from %s: %w", topic, err)
	}
	return nil
}

func (s *pahoSession) Publish(ctx context.Context, topic string, payload []byte) error {
	token := s.client.Publish(topic, 1, false, payload)
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

func (s *pahoSession) ProcessOnce(ctx context.Context) error {
	select {
	case <-s.notify:
		return nil
	case <-ctx.Done():
		return ErrTimeout
	}
}

func (s *pahoSession) Disconnect() error {
	s.client.Disconnect(250)
	return nil
}

func waitToken(ctx context.Context, token pahomqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
