// Package certify hands passed final exams to the certificate issuer.
package certify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange = "certification.events"
	EventRequested  = "certificate.requested"
	publishTimeout  = 5 * time.Second
	exchangeKind    = "topic"
)

// Event asks the issuer to produce a certificate for a passed attempt.
type Event struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	AttemptID    string    `json:"attempt_id"`
	PlayerID     string    `json:"player_id"`
	CourseID     int64     `json:"course_id"`
	ScorePercent int       `json:"score_percent"`
	PassedAt     time.Time `json:"passed_at"`
}

// NewEvent builds a certificate.requested event.
func NewEvent(attemptID, playerID string, courseID int64, score int, passedAt time.Time) Event {
	return Event{
		EventID:      uuid.NewString(),
		EventType:    EventRequested,
		AttemptID:    attemptID,
		PlayerID:     playerID,
		CourseID:     courseID,
		ScorePercent: score,
		PassedAt:     passedAt,
	}
}

// Issuer receives certification requests.
type Issuer interface {
	Issue(ctx context.Context, ev Event) error
	Close() error
}

// LogIssuer only logs requests. It is used when no broker is configured.
type LogIssuer struct{}

func (LogIssuer) Issue(_ context.Context, ev Event) error {
	slog.Info("certificate requested",
		"attempt_id", ev.AttemptID,
		"player_id", ev.PlayerID,
		"course_id", ev.CourseID,
		"score_percent", ev.ScorePercent,
	)
	return nil
}

func (LogIssuer) Close() error { return nil }

// AMQPIssuer publishes requests to a topic exchange.
type AMQPIssuer struct {
	conn     *amqp.Connection
	mu       sync.Mutex
	channel  *amqp.Channel
	exchange string
}

// New returns an AMQP issuer for uri, or a LogIssuer when uri is empty.
func New(uri, exchange string) (Issuer, error) {
	if uri == "" {
		slog.Warn("AMQP URL is empty, certificate requests will only be logged")
		return LogIssuer{}, nil
	}
	return NewAMQPIssuer(uri, exchange)
}

// NewAMQPIssuer connects to the broker and declares the exchange.
func NewAMQPIssuer(uri, exchange string) (*AMQPIssuer, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange,     // name
		exchangeKind, // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPIssuer{conn: conn, channel: ch, exchange: exchange}, nil
}

func (p *AMQPIssuer) Issue(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.PublishWithContext(pubCtx,
		p.exchange,   // exchange
		ev.EventType, // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.EventID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.EventType, err)
	}
	slog.Info("published event", "routing_key", ev.EventType, "attempt_id", ev.AttemptID)
	return nil
}

func (p *AMQPIssuer) Close() error {
	if err := p.channel.Close(); err != nil {
		slog.Error("close broker channel", "error", err)
	}
	if err := p.conn.Close(); err != nil {
		return fmt.Errorf("close broker connection: %w", err)
	}
	return nil
}
