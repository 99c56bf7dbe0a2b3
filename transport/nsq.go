package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"chan-rpc/message"

	"github.com/nsqio/go-nsq"
	"go.uber.org/zap"
)

type NSQOptions struct {
	Topic string

	// NSQDAddr is the nsqd TCP address publishes go to. The consumer connects
	// to it too unless LookupdAddrs is set.
	NSQDAddr     string
	LookupdAddrs []string

	// ConsumerChannel defaults to a per-instance ephemeral channel so every
	// endpoint sees every envelope published on the topic.
	ConsumerChannel string

	Logger *zap.Logger
}

// NSQ publishes envelopes as JSON on an NSQ topic and listens on the same
// topic. Each endpoint reads through its own channel, so the topic behaves
// like a shared bus; the router drops the endpoint's own echoes.
type NSQ struct {
	topic    string
	logger   *zap.Logger
	producer *nsq.Producer
	consumer *nsq.Consumer

	mu      sync.Mutex
	handler func(*message.Envelope)
	stopped bool
}

func NewNSQ(opts NSQOptions) (*NSQ, error) {
	if opts.Topic == "" {
		return nil, errors.New("nsq: topic is required")
	}
	if opts.NSQDAddr == "" {
		return nil, errors.New("nsq: nsqd address is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ConsumerChannel == "" {
		opts.ConsumerChannel = "rpc-" + message.NewID(message.SenderIDLength) + "#ephemeral"
	}

	t := &NSQ{topic: opts.Topic, logger: opts.Logger.With(zap.String("topic", opts.Topic))}
	nsqLog := zap.NewStdLog(t.logger.Named("nsq"))

	cfg := nsq.NewConfig()
	producer, err := nsq.NewProducer(opts.NSQDAddr, cfg)
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	producer.SetLogger(nsqLog, nsq.LogLevelWarning)

	consumer, err := nsq.NewConsumer(opts.Topic, opts.ConsumerChannel, cfg)
	if err != nil {
		producer.Stop()
		return nil, fmt.Errorf("nsq consumer: %w", err)
	}
	consumer.SetLogger(nsqLog, nsq.LogLevelWarning)
	consumer.AddHandler(nsq.HandlerFunc(t.handleMessage))

	if len(opts.LookupdAddrs) > 0 {
		err = consumer.ConnectToNSQLookupds(opts.LookupdAddrs)
	} else {
		err = consumer.ConnectToNSQD(opts.NSQDAddr)
	}
	if err != nil {
		producer.Stop()
		consumer.Stop()
		return nil, fmt.Errorf("nsq connect: %w", err)
	}

	t.producer = producer
	t.consumer = consumer
	return t, nil
}

// handleMessage never returns an error: a malformed body would only be
// redelivered and dropped again.
func (t *NSQ) handleMessage(m *nsq.Message) error {
	env := new(message.Envelope)
	if err := json.Unmarshal(m.Body, env); err != nil {
		t.logger.Debug("dropping malformed message", zap.Error(err))
		return nil
	}
	t.mu.Lock()
	handler := t.handler
	stopped := t.stopped
	t.mu.Unlock()
	if handler != nil && !stopped {
		handler(env)
	}
	return nil
}

func (t *NSQ) Listen(handler func(*message.Envelope)) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

func (t *NSQ) SendMessage(env *message.Envelope) {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return
	}
	body, err := json.Marshal(env)
	if err != nil {
		t.logger.Warn("encode envelope failed", zap.String("method", env.MethodName), zap.Error(err))
		return
	}
	if err := t.producer.Publish(t.topic, body); err != nil {
		t.logger.Warn("publish failed", zap.String("method", env.MethodName), zap.Error(err))
	}
}

// StopTransport stops consuming, waiting up to five seconds for in-flight
// messages, then stops the producer.
func (t *NSQ) StopTransport() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.handler = nil
	t.mu.Unlock()

	t.consumer.Stop()
	select {
	case <-t.consumer.StopChan:
	case <-time.After(5 * time.Second):
		t.logger.Warn("timed out waiting for consumer to stop")
	}
	t.producer.Stop()
}

func nsqOptionsFrom(opts map[string]any, logger *zap.Logger) NSQOptions {
	o := NSQOptions{
		Topic:           optString(opts, "topic", ""),
		NSQDAddr:        optString(opts, "nsqd", "127.0.0.1:4150"),
		ConsumerChannel: optString(opts, "consumerChannel", ""),
		Logger:          logger,
	}
	if lookupd := optString(opts, "lookupd", ""); lookupd != "" {
		o.LookupdAddrs = strings.Split(lookupd, ",")
	}
	return o
}
