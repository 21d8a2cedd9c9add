package main

import (
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/edgegrid-dev/fleetling/core/logger"
	"github.com/edgegrid-dev/fleetling/emulator"
)

// Service holds the configuration for this service
type Service struct {
	Addr         string `env:"ADDR,default=:1883" description:"the address the broker listens on"`
	TemplateName string `env:"TEMPLATE_NAME,default=FleetTemplate" description:"the provisioning template devices register against"`
	LogLevel     string `env:"LOG_LEVEL,default=info" description:"the logrus log level"`
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

	emulator.MustNewBroker(service.Addr, service.TemplateName).Run()
}
