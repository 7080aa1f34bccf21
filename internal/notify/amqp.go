package notify

import (
	"fmt"

	"courier/internal/log"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// Client owns the AMQP connection and channel that events are published on.
type Client struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// Dial connects to url and declares exchange as a durable topic exchange.
func Dial(url, exchange string, logger *log.Logger) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		logger.Error("Failed to connect to AMQP broker", zap.Error(err))
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	logger.Info("AMQP connected", zap.String("exchange", exchange))
	return &Client{conn: conn, channel: channel}, nil
}

// Channel returns the channel; it satisfies Publisher.
func (c *Client) Channel() *amqp.Channel {
	return c.channel
}

func (c *Client) Close() error {
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			return err
		}
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
