package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/poolwatch/internal/logging"
	"github.com/austindbirch/poolwatch/internal/tracing"
)

// Producer is the part of *nsq.Producer the publisher needs.
type Producer interface {
	Publish(topic string, body []byte) error
	Ping() error
	Stop()
}

// Publisher turns queue pushes into NSQ messages.
type Publisher struct {
	producer Producer
	now      func() time.Time
}

// NewPublisher connects a producer to nsqd.
func NewPublisher(nsqdAddr string) (*Publisher, error) {
	p, err := nsq.NewProducer(nsqdAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	return NewPublisherWith(p), nil
}

func NewPublisherWith(p Producer) *Publisher {
	return &Publisher{producer: p, now: time.Now}
}

// Notify implements queue.Notifier.
func (p *Publisher) Notify(ctx context.Context, path, id string) error {
	ev := Event{
		Path:         path,
		ID:           id,
		PublishedAt:  p.now().UTC(),
		TraceHeaders: tracing.InjectHeaders(ctx),
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	topic := Topic(path)
	if err := p.producer.Publish(topic, body); err != nil {
		return err
	}
	tracing.AddSpanEvent(ctx, "nsq.published", attribute.String("topic", topic))
	return nil
}

// Publish sends an arbitrary JSON document, used for dead letters.
func (p *Publisher) Publish(topic string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.producer.Publish(topic, body)
}

func (p *Publisher) Ping(context.Context) error { return p.producer.Ping() }

func (p *Publisher) Stop() { p.producer.Stop() }

// ConsumerConfig configures one NSQ subscription.
type ConsumerConfig struct {
	NsqdTCPAddr    string
	LookupHTTPAddr string
	Channel        string
	MaxInFlight    int
	MaxAttempts    uint16        // redeliveries before an event is abandoned
	RequeueDelay   time.Duration // delay applied when a handler returns an error
}

// Subscribe starts consuming the topic of path. The caller owns Stop.
func Subscribe(cfg ConsumerConfig, path string, h Handler, logger *logging.Logger) (*nsq.Consumer, error) {
	conf := nsq.NewConfig()
	if cfg.MaxInFlight > 0 {
		conf.MaxInFlight = cfg.MaxInFlight
	}
	consumer, err := nsq.NewConsumer(Topic(path), cfg.Channel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer %s: %w", path, err)
	}
	consumer.AddHandler(MessageHandler(cfg, h, logger))

	// Connecting directly to nsqd creates the channel before the first publish
	if cfg.NsqdTCPAddr != "" {
		if err := consumer.ConnectToNSQD(cfg.NsqdTCPAddr); err != nil {
			return nil, fmt.Errorf("connect to nsqd: %w", err)
		}
	}
	if cfg.LookupHTTPAddr != "" {
		if err := consumer.ConnectToNSQLookupd(cfg.LookupHTTPAddr); err != nil {
			return nil, fmt.Errorf("connect to lookupd: %w", err)
		}
	}
	return consumer, nil
}

// MessageHandler adapts h to NSQ with manual responses: malformed events are
// finished, handler errors are requeued until MaxAttempts.
func MessageHandler(cfg ConsumerConfig, h Handler, logger *logging.Logger) nsq.HandlerFunc {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 5
	}
	delay := cfg.RequeueDelay
	if delay <= 0 {
		delay = 10 * time.Second
	}

	return func(m *nsq.Message) error {
		m.DisableAutoResponse()
		defer func() {
			if !m.HasResponded() {
				m.Finish()
			}
		}()

		ev, err := decodeEvent(m.Body)
		if err != nil {
			logger.Plain().WithError(err).Error("bad trigger payload")
			m.Finish()
			return nil
		}

		ctx := tracing.ExtractHeaders(context.Background(), ev.TraceHeaders)
		if err := h(ctx, ev); err != nil {
			entry := logger.WithContext(ctx).WithItem(ev.Path, ev.ID).WithError(err).
				WithField("attempts", m.Attempts)
			if m.Attempts >= maxAttempts {
				entry.Error("trigger abandoned after max attempts")
				m.Finish()
				return nil
			}
			entry.Warn("trigger handler failed, requeueing")
			m.Requeue(delay)
			return nil
		}
		m.Finish()
		return nil
	}
}
