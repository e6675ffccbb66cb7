package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// NotificationRelay hands stored notifications to the external delivery
// system.
type NotificationRelay interface {
	Publish(ctx context.Context, n Notification) error
}

const defaultRelayExchange = "security.notifications"

const (
	relayReconnectMin = 1 * time.Second
	relayReconnectMax = 30 * time.Second
)

var (
	ErrRelayClosed       = errors.New("relay closed")
	ErrRelayReconnecting = errors.New("relay reconnecting")
)

// relaySession is one live connection + channel pair. Done is closed when
// either side goes away; Err then reports why.
type relaySession interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
	Done() <-chan struct{}
	Err() error
	Close() error
}

type amqpSession struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	done    chan struct{}
	err     error
}

func dialAMQPSession(url string, exchange string) (relaySession, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	err = channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
	}

	s := &amqpSession{conn: conn, channel: channel, done: make(chan struct{})}
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClosed := channel.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		var e *amqp.Error
		select {
		case e = <-connClosed:
		case e = <-chanClosed:
		}
		if e != nil {
			s.err = e
		} else {
			s.err = amqp.ErrClosed
		}
		close(s.done)
	}()
	return s, nil
}

func (s *amqpSession) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	return s.channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
}

func (s *amqpSession) Done() <-chan struct{} { return s.done }

// Err is only meaningful once Done is closed.
func (s *amqpSession) Err() error { return s.err }

func (s *amqpSession) Close() error {
	_ = s.channel.Close()
	return s.conn.Close()
}

// AMQPRelay publishes notifications to a durable RabbitMQ topic exchange.
// A dropped connection is redialed in the background with exponential
// backoff; publishes in between fail with ErrRelayReconnecting.
type AMQPRelay struct {
	mu       sync.Mutex
	session  relaySession
	closed   bool
	exchange string

	dial       func() (relaySession, error)
	backoffMin time.Duration
	backoffMax time.Duration
	stop       chan struct{}
	wg         sync.WaitGroup
	log        zerolog.Logger
}

func NewAMQPRelay(url string, exchange string, log zerolog.Logger) (*AMQPRelay, error) {
	if exchange == "" {
		exchange = defaultRelayExchange
	}
	return newRelay(exchange, func() (relaySession, error) {
		return dialAMQPSession(url, exchange)
	}, relayReconnectMin, relayReconnectMax, log)
}

func newRelay(exchange string, dial func() (relaySession, error), backoffMin, backoffMax time.Duration, log zerolog.Logger) (*AMQPRelay, error) {
	session, err := dial()
	if err != nil {
		return nil, err
	}
	r := &AMQPRelay{
		session:    session,
		exchange:   exchange,
		dial:       dial,
		backoffMin: backoffMin,
		backoffMax: backoffMax,
		stop:       make(chan struct{}),
		log:        log.With().Str("exchange", exchange).Logger(),
	}
	r.wg.Add(1)
	go r.handleReconnect(session)
	return r, nil
}

// handleReconnect watches the current session and replaces it when it dies.
// It returns once the relay is closed.
func (r *AMQPRelay) handleReconnect(session relaySession) {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case <-session.Done():
		}
		r.log.Error().Err(session.Err()).Msg("rabbitmq connection lost, reconnecting")

		r.mu.Lock()
		if r.session == session {
			r.session = nil
		}
		r.mu.Unlock()
		_ = session.Close()

		next, ok := r.redial()
		if !ok {
			return
		}
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			_ = next.Close()
			return
		}
		r.session = next
		r.mu.Unlock()
		r.log.Info().Msg("rabbitmq relay reconnected")
		session = next
	}
}

// redial retries until a session is up or the relay is closed.
func (r *AMQPRelay) redial() (relaySession, bool) {
	delay := r.backoffMin
	for {
		select {
		case <-r.stop:
			return nil, false
		case <-time.After(delay):
		}
		next, err := r.dial()
		if err == nil {
			return next, true
		}
		r.log.Warn().Err(err).Dur("retry_in", delay).Msg("rabbitmq reconnect failed")
		delay *= 2
		if delay > r.backoffMax {
			delay = r.backoffMax
		}
	}
}

func (r *AMQPRelay) Publish(ctx context.Context, n Notification) error {
	msg, routingKey, err := notificationMessage(n)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.closed:
		return ErrRelayClosed
	case r.session == nil:
		return ErrRelayReconnecting
	}
	if err := r.session.Publish(ctx, r.exchange, routingKey, msg); err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

// Close stops reconnecting and closes the live session. Safe to call twice.
func (r *AMQPRelay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	session := r.session
	r.session = nil
	close(r.stop)
	r.mu.Unlock()

	r.wg.Wait()
	if session != nil {
		return session.Close()
	}
	return nil
}

// relayPayload is the wire shape consumed by the delivery service.
type relayPayload struct {
	ID                    string         `json:"id"`
	AlertID               string         `json:"alert_id"`
	Title                 string         `json:"title"`
	Body                  string         `json:"body"`
	Type                  string         `json:"type"`
	Audience              string         `json:"audience"`
	TargetBureauDetection *string        `json:"target_bureau_detection,omitempty"`
	TargetBureauOrigin    *string        `json:"target_bureau_origin,omitempty"`
	TargetAdmin           bool           `json:"target_admin"`
	Metadata              map[string]any `json:"metadata,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
}

func notificationMessage(n Notification) (amqp.Publishing, string, error) {
	body, err := json.Marshal(relayPayload{
		ID:                    n.ID,
		AlertID:               n.AlertID,
		Title:                 n.Title,
		Body:                  n.Body,
		Type:                  string(n.Type),
		Audience:              n.Audience(),
		TargetBureauDetection: n.TargetBureauDetection,
		TargetBureauOrigin:    n.TargetBureauOrigin,
		TargetAdmin:           n.TargetAdmin,
		Metadata:              n.Metadata,
		CreatedAt:             n.CreatedAt,
	})
	if err != nil {
		return amqp.Publishing{}, "", fmt.Errorf("marshal notification: %w", err)
	}

	headers := amqp.Table{"audience": n.Audience()}
	for k, v := range flattenMetadata(n.Metadata) {
		headers["meta."+k] = v
	}

	routingKey := "notification." + string(n.Type)
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    n.ID,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	}, routingKey, nil
}
