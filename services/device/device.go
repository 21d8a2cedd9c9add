package main

import (
	"context"
	"os"

	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/edgegrid-dev/fleetling/codec"
	"github.com/edgegrid-dev/fleetling/core/logger"
	"github.com/edgegrid-dev/fleetling/fleetprov"
	"github.com/edgegrid-dev/fleetling/mqtt"
	"github.com/edgegrid-dev/fleetling/shadow"
	"github.com/edgegrid-dev/fleetling/store"
)

// Service holds the configuration for this service
//
// use BROKER_URL="tcp://localhost:1883" INSECURE=true against the local
// emulator
type Service struct {
	BrokerURL     string `env:"BROKER_URL,required" description:"the MQTT broker address"`
	ClientID      string `env:"CLIENT_ID,default=fleetling-claim" description:"the client ID of the claim session"`
	TemplateName  string `env:"TEMPLATE_NAME,required" description:"the provisioning template to register against"`
	SerialNumber  string `env:"SERIAL_NUMBER,required" description:"the device serial number"`
	Format        string `env:"FORMAT,default=json" description:"the payload format, json or cbor"`
	ClaimCertFile string `env:"CLAIM_CERT_FILE" description:"path to the claim certificate PEM"`
	ClaimKeyFile  string `env:"CLAIM_KEY_FILE" description:"path to the claim private key PEM"`
	CACertFile    string `env:"CA_CERT_FILE" description:"path to the broker CA certificate PEM"`
	Insecure      bool   `env:"INSECURE,default=false" description:"dial without TLS, for the local emulator"`
	IdentityFile  string `env:"IDENTITY_FILE,default=identity.json" description:"where the issued identity is persisted"`
	ShadowName    string `env:"SHADOW_NAME" description:"named twin document; empty for the classic document"`
	Desired       int64  `env:"DESIRED,default=1" description:"the desired value of the powerOn field"`
	LogLevel      string `env:"LOG_LEVEL,default=info" description:"the logrus log level"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	level, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		panic(err)
	}
	logger.InitLogger(level)
	ctx, log := logger.ContextWithLogger(context.Background())

	wireCodec, err := codec.New(codec.Format(service.Format))
	if err != nil {
		log.WithError(err).Fatal("bad payload format")
	}

	cfg := mqtt.Config{
		BrokerURL: service.BrokerURL,
		ClientID:  service.ClientID,
		Insecure:  service.Insecure,
	}
	if !service.Insecure {
		cfg.ClaimCertPEM = mustReadFile(log, service.ClaimCertFile)
		cfg.ClaimKeyPEM = mustReadFile(log, service.ClaimKeyFile)
		if service.CACertFile != "" {
			cfg.CACertPEM = mustReadFile(log, service.CACertFile)
		}
	}

	sync := shadow.MustNew(&shadow.Builder{
		// the thing name is not known yet; rebuilt below once it is
		ThingName:  "pending",
		ShadowName: service.ShadowName,
		Desired:    service.Desired,
	})

	workflow := fleetprov.MustNew(&fleetprov.Builder{
		Connector:          mqtt.NewConnector(cfg),
		Codec:              wireCodec,
		Store:              store.NewFileStore(service.IdentityFile),
		TemplateName:       service.TemplateName,
		SerialNumber:       service.SerialNumber,
		ProvisionedHandler: sync.Handle,
	})

	identity, session, err := workflow.Run(ctx)
	if err != nil {
		log.WithError(err).Error("provisioning failed")
		os.Exit(1)
	}

	sync.Rebind(identity.ThingName)
	if err := sync.Run(ctx, session); err != nil {
		log.WithError(err).Error("twin synchronization failed")
		os.Exit(1)
	}
}

func mustReadFile(log *logrus.Entry, path string) []byte {
	if path == "" {
		log.Fatal("claim credential path is not configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Fatal("cannot read credential file")
	}
	return data
}
