package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const (
	defaultExchange   = "ledger_events"
	defaultBufferSize = 1024
	dialTimeout       = 10 * time.Second
	publishTimeout    = 5 * time.Second
	routingKeyPrefix  = "ledger."
)

var ErrInvalidBrokerURL = errors.New("invalid broker url")

// publishChannel is the subset of *amqp091.Channel the publisher uses.
type publishChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Publisher is a fire-and-forget broker sink. Records are buffered and dropped when the buffer is full
// so a slow broker never delays a ledger mutation.
type Publisher struct {
	channel    publishChannel
	connection io.Closer
	exchange   string
	logger     *zap.Logger

	mutex   sync.RWMutex
	closed  bool
	events  chan Event
	done    chan struct{}
	dropped atomic.Int64
}

// DialPublisher connects to the broker and declares a durable topic exchange.
func DialPublisher(brokerURL string, exchange string, bufferSize int, logger *zap.Logger) (*Publisher, error) {
	cleanURL, err := sanitizeBrokerURL(brokerURL)
	if err != nil {
		return nil, err
	}
	connection, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(dialTimeout)})
	if err != nil {
		return nil, err
	}
	channel, err := connection.Channel()
	if err != nil {
		_ = connection.Close()
		return nil, err
	}
	publisher, err := newPublisher(channel, connection, exchange, bufferSize, logger)
	if err != nil {
		_ = channel.Close()
		_ = connection.Close()
		return nil, err
	}
	return publisher, nil
}

func newPublisher(channel publishChannel, connection io.Closer, exchange string, bufferSize int, logger *zap.Logger) (*Publisher, error) {
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = defaultExchange
	}
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, err
	}
	publisher := &Publisher{
		channel:    channel,
		connection: connection,
		exchange:   exchange,
		logger:     logger.Named("audit_publisher"),
		events:     make(chan Event, bufferSize),
		done:       make(chan struct{}),
	}
	go publisher.run()
	return publisher, nil
}

// LogOperation implements ledger.OperationLogger without blocking.
func (publisher *Publisher) LogOperation(_ context.Context, entry ledger.OperationLog) {
	publisher.mutex.RLock()
	defer publisher.mutex.RUnlock()
	if publisher.closed {
		publisher.dropped.Add(1)
		return
	}
	select {
	case publisher.events <- FromLog(entry):
	default:
		publisher.dropped.Add(1)
	}
}

// Dropped reports how many records were discarded.
func (publisher *Publisher) Dropped() int64 {
	return publisher.dropped.Load()
}

// Close flushes buffered records and releases the broker connection.
func (publisher *Publisher) Close() error {
	publisher.mutex.Lock()
	if publisher.closed {
		publisher.mutex.Unlock()
		return nil
	}
	publisher.closed = true
	close(publisher.events)
	publisher.mutex.Unlock()

	<-publisher.done
	err := publisher.channel.Close()
	if publisher.connection != nil {
		err = errors.Join(err, publisher.connection.Close())
	}
	return err
}

func (publisher *Publisher) run() {
	defer close(publisher.done)
	for event := range publisher.events {
		body, err := json.Marshal(event)
		if err != nil {
			publisher.logger.Warn("audit event marshal failed", zap.Error(err))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err = publisher.channel.PublishWithContext(ctx, publisher.exchange, routingKey(event), false, false, amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    event.OccurredAt,
			Body:         body,
		})
		cancel()
		if err != nil {
			publisher.dropped.Add(1)
			publisher.logger.Warn("audit event publish failed", zap.String("operation", event.Operation), zap.Error(err))
		}
	}
}

func routingKey(event Event) string {
	return routingKeyPrefix + event.Operation + "." + event.Status
}

func sanitizeBrokerURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", errors.Join(ErrInvalidBrokerURL, err)
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", ErrInvalidBrokerURL
	}
	return clean, nil
}
