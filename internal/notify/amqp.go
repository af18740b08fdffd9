package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	NotifyExchange   = "order.notify.exchange"
	NotifyRoutingKey = "order.notify"

	reconnectDelay = 3 * time.Second
	publishTimeout = 5 * time.Second
)

// Publisher forwards order updates to a RabbitMQ exchange so other services
// can react to credits and failures. It reconnects on its own after a broker
// restart; updates published while disconnected are logged and dropped.
type Publisher struct {
	url      string
	exchange string
	logger   *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	channel     *amqp.Channel
	isConnected bool
	done        chan struct{}
	closeOnce   sync.Once
}

func NewPublisher(url, exchange string, logger *slog.Logger) (*Publisher, error) {
	if exchange == "" {
		exchange = NotifyExchange
	}
	p := &Publisher{
		url:      url,
		exchange: exchange,
		logger:   logger,
		done:     make(chan struct{}),
	}
	if err := p.connect(); err != nil {
		return nil, err
	}
	go p.monitorConnection()
	return p, nil
}

func (p *Publisher) connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare %s: %w", p.exchange, err)
	}

	p.conn = conn
	p.channel = ch
	p.isConnected = true
	p.logger.Info("rabbitmq connected", "exchange", p.exchange)
	return nil
}

func (p *Publisher) monitorConnection() {
	for {
		p.mu.RLock()
		conn := p.conn
		p.mu.RUnlock()

		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-p.done:
			return
		case err := <-notifyClose:
			if err != nil {
				p.logger.Warn("rabbitmq connection lost", "error", err)
			}
			p.mu.Lock()
			p.isConnected = false
			p.mu.Unlock()
			if !p.reconnect() {
				return
			}
		}
	}
}

func (p *Publisher) reconnect() bool {
	for attempt := 1; ; attempt++ {
		select {
		case <-p.done:
			return false
		case <-time.After(reconnectDelay):
		}
		if err := p.connect(); err != nil {
			p.logger.Warn("rabbitmq reconnect failed", "attempt", attempt, "error", err)
			continue
		}
		return true
	}
}

func (p *Publisher) OnOrderUpdate(u Update) {
	body, err := encodeUpdate(u)
	if err != nil {
		p.logger.Error("encode order update failed", "order_id", u.OrderID, "error", err)
		return
	}

	p.mu.RLock()
	ch, ok := p.channel, p.isConnected
	p.mu.RUnlock()
	if !ok {
		p.logger.Warn("rabbitmq unavailable, dropping order update", "order_id", u.OrderID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	err = ch.PublishWithContext(ctx, p.exchange, NotifyRoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    u.OrderID + ":" + string(u.Status),
		Timestamp:    u.At,
		Body:         body,
	})
	if err != nil {
		p.logger.Warn("publish order update failed", "order_id", u.OrderID, "error", err)
	}
}

func (p *Publisher) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isConnected = false
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func encodeUpdate(u Update) ([]byte, error) {
	return json.Marshal(u)
}
