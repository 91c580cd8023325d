package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/k11v/kiln/internal/amqputil"
	"github.com/k11v/kiln/internal/retry"
)

type Worker struct {
	AMQP        *amqputil.Config // required
	Processor   Processor        // required
	Concurrency int              // optional, default 1
}

// Run consumes upload jobs until ctx is done.
// Lost connections are reestablished with backoff.
func (w *Worker) Run(ctx context.Context) error {
	retries := 0
	for {
		consumeErr := w.consume(ctx, func() {
			if retries > 0 {
				slog.Info("recovered", "retries", retries)
				retries = 0
			}
		})
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		slog.Error("didn't consume", "err", consumeErr)

		retries++
		if err := retry.Sleep(ctx, retry.WaitDuration(retries-1)); err != nil {
			return err
		}
		slog.Info("retrying", "retries", retries)
	}
}

// consume handles deliveries of one connection.
// It calls connected once the consumer is registered.
func (w *Worker) consume(ctx context.Context, connected func()) error {
	conn, err := amqp091.Dial(w.AMQP.URL)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	q, err := amqputil.DeclareQueue(ch, amqputil.UploadQueue(w.AMQP.Queue))
	if err != nil {
		return err
	}

	if err = ch.Qos(w.concurrency(), 0, false); err != nil {
		return err
	}

	consumer := "kiln-worker-" + uuid.NewString()
	messages, err := ch.Consume(
		q.Name,
		consumer,
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return err
	}
	connected()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = ch.Cancel(consumer, false)
		case <-done:
		}
	}()

	handler := &Handler{Processor: w.Processor}
	var g errgroup.Group
	g.SetLimit(w.concurrency())

	slog.Info("starting consuming", "queue", q.Name, "concurrency", w.concurrency())
	for m := range messages {
		g.Go(func() error {
			handler.Run(ctx, m)
			return nil
		})
	}
	_ = g.Wait()

	return errors.New("delivery channel is closed")
}

func (w *Worker) concurrency() int {
	if w.Concurrency <= 0 {
		return 1 // default: 1
	}
	return w.Concurrency
}
