package pulsario

import (
	"strings"

	"github.com/apache/pulsar-client-go/pulsar"
	pulsarlog "github.com/apache/pulsar-client-go/pulsar/log"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/armadaproject/eventwriter/internal/common/writererrors"
	"github.com/armadaproject/eventwriter/internal/eventwriter/configuration"
)

func NewPulsarClient(config *configuration.PulsarConfig) (pulsar.Client, error) {
	var authentication pulsar.Authentication
	if config.AuthenticationEnabled {
		if strings.TrimSpace(config.JwtTokenPath) == "" {
			return nil, errors.WithStack(&writererrors.ErrInvalidArgument{
				Name:    "pulsar.JwtTokenPath",
				Value:   config.JwtTokenPath,
				Message: "JWT authentication was configured for Pulsar but no JwtTokenPath was supplied",
			})
		}
		authentication = pulsar.NewAuthenticationTokenFromFile(config.JwtTokenPath)
	}

	return pulsar.NewClient(pulsar.ClientOptions{
		URL:                        config.URL,
		TLSTrustCertsFilePath:      config.TLSTrustCertsFilePath,
		TLSValidateHostname:        config.TLSValidateHostname,
		TLSAllowInsecureConnection: config.TLSAllowInsecureConnection,
		MaxConnectionsPerBroker:    config.MaxConnectionsPerBroker,
		Authentication:             authentication,
		Logger:                     pulsarlog.NewLoggerWithLogrus(logrus.StandardLogger()),
	})
}

// Subscribe creates a client and a consumer of config.Topic. The returned function closes both.
func Subscribe(config *configuration.PulsarConfig) (pulsar.Consumer, func(), error) {
	client, err := NewPulsarClient(config)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "error creating pulsar client")
	}
	consumer, err := client.Subscribe(pulsar.ConsumerOptions{
		Topic:                       config.Topic,
		SubscriptionName:            config.SubscriptionName,
		Type:                        config.SubscriptionType,
		ReceiverQueueSize:           config.ReceiverQueueSize,
		SubscriptionInitialPosition: pulsar.SubscriptionPositionEarliest,
	})
	if err != nil {
		client.Close()
		return nil, nil, errors.WithMessage(err, "error creating pulsar consumer")
	}
	return consumer, func() {
		consumer.Close()
		client.Close()
	}, nil
}
