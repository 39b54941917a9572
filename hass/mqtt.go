package hass

import (
	"context"
	"fmt"
	"net"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Client is the part of mqtt.Client the sender needs.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Options struct {
	Broker   string // host or host:port
	ClientID string
	Username string
	Password string
}

// Connect connects to the broker. The bridge is announced online on every
// (re)connect; the broker announces it offline when the connection drops.
// onConnect, if set, runs after each connect, typically to republish the
// discovery messages.
func Connect(opt Options, logger *zap.SugaredLogger, onConnect func()) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	broker := opt.Broker
	if _, _, err := net.SplitHostPort(broker); err != nil {
		broker = fmt.Sprintf("%s:1883", broker)
	}
	opts.AddBroker("tcp://" + broker)
	opts.SetClientID(opt.ClientID)
	opts.SetUsername(opt.Username)
	opts.SetPassword(opt.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetWill(StatusTopic, offline, 1, true)

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		logger.Warnw("mqtt connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		logger.Infow("connected to mqtt broker", "broker", broker)
		client.Publish(StatusTopic, 1, true, online)
		if onConnect != nil {
			onConnect()
		}
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect %s: %w", broker, token.Error())
	}
	return client, nil
}

// Send publishes queued messages until ctx is done.
func Send(ctx context.Context, in <-chan Message, client Client, logger *zap.SugaredLogger) {
	logger.Debugw("mqtt sender started")
	for {
		select {
		case msg := <-in:
			token := client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
			token.Wait()
			if err := token.Error(); err != nil {
				logger.Warnw("mqtt publish", "topic", msg.Topic, "error", err)
			}

		case <-ctx.Done():
			logger.Debugw("mqtt sender stopped")
			return
		}
	}
}
