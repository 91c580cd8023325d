package amqputil

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// Config holds queue settings.
type Config struct {
	URL   string `env:"URL,required"`
	Queue string `env:"QUEUE" envDefault:"upload.created"`
}

type QueueDeclareParams struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	NoWait     bool
	Args       amqp091.Table
}

// UploadQueue returns the parameters of the queue upload jobs go through.
// Publishers and consumers must declare it identically.
func UploadQueue(name string) *QueueDeclareParams {
	return &QueueDeclareParams{
		Name:       name,
		Durable:    true,
		AutoDelete: false,
		Exclusive:  false,
		NoWait:     false,
		Args:       nil,
	}
}

// DeclareQueue proxies [amqp091.Channel.QueueDeclare].
func DeclareQueue(ch *amqp091.Channel, params *QueueDeclareParams) (amqp091.Queue, error) {
	return ch.QueueDeclare(
		params.Name,
		params.Durable,
		params.AutoDelete,
		params.Exclusive,
		params.NoWait,
		params.Args,
	)
}

type Client struct {
	connectionString   string
	queueDeclareParams *QueueDeclareParams
}

func NewClient(connectionString string, queueDeclareParams *QueueDeclareParams) *Client {
	return &Client{
		connectionString:   connectionString,
		queueDeclareParams: queueDeclareParams,
	}
}

// Publish proxies [amqp091.Channel.PublishWithContext].
func (cli *Client) Publish(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	conn, err := amqp091.Dial(cli.connectionString)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err = DeclareQueue(ch, cli.queueDeclareParams); err != nil {
		return err
	}

	return ch.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

// PublishJSON publishes v as a persistent JSON message to the declared queue
// through the default exchange.
func (cli *Client) PublishJSON(ctx context.Context, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("amqputil.Client: %w", err)
	}

	err = cli.Publish(ctx,
		"",                          // exchange
		cli.queueDeclareParams.Name, // key
		false,                       // mandatory
		false,                       // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    uuid.NewString(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("amqputil.Client: %w", err)
	}
	return nil
}
