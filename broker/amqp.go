package broker

import (
	"context"
	"encoding/json"

	"github.com/sumire-dev/memberd/subscription"

	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
)

var _ Producer = &AMQPBroker{}
var _ Consumer = &AMQPBroker{}
var _ subscription.Scheduler = &AMQPBroker{}

const backfillQueue string = "subscription_backfill"

// AMQPBroker carries backfill jobs via RabbitMQ so they survive API process
// restarts between the webhook acknowledgement and the corrective write
type AMQPBroker struct {
	connection *amqp.Connection
	channel    *amqp.Channel
}

// NewAMQPBroker returns a backfill job broker over RabbitMQ
func NewAMQPBroker(amqpURI string) (*AMQPBroker, error) {
	amqpConn, err := amqp.Dial(amqpURI)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Message Broker")
	}
	amqpChan, err := amqpConn.Channel()
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot create broker channel")
	}
	broker := &AMQPBroker{
		connection: amqpConn,
		channel:    amqpChan,
	}
	if err := broker.setupBackfillQueue(); err != nil {
		return nil, extErrors.Wrap(err, "Cannot declare queue for backfill jobs")
	}

	return broker, nil
}

func (a *AMQPBroker) setupBackfillQueue() error {
	_, err := a.channel.QueueDeclare(
		backfillQueue, // name
		true,          // durable
		false,         // delete when unused
		false,         // exclusive
		false,         // no-wait
		nil,           // arguments
	)
	return err
}

// ScheduleBackfill publishes one job to the durable queue and returns
// without waiting for the worker
func (a *AMQPBroker) ScheduleBackfill(ctx context.Context, job subscription.BackfillJob) error {
	body, err := json.Marshal(&job)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode backfill job")
	}
	return a.channel.Publish(
		"",            // default exchange
		backfillQueue, // routing key
		false,         // mandatory
		false,         // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

// ReceiveBackfill returns a channel of decoded backfill jobs. Malformed
// messages are dropped, not redelivered
func (a *AMQPBroker) ReceiveBackfill(ctx context.Context) (<-chan *subscription.BackfillJob, error) {
	deliveries, err := a.channel.Consume(
		backfillQueue, // queue
		"",            // consumer
		true,          // auto-ack
		false,         // exclusive
		false,         // no-local
		false,         // no-wait
		nil,           // args
	)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot consume backfill queue")
	}

	jobs := make(chan *subscription.BackfillJob)
	go func() {
		defer close(jobs)
		for {
			select {
			case <-ctx.Done():
				return
			case delivery, ok := <-deliveries:
				if !ok {
					return
				}
				var job subscription.BackfillJob
				if err := json.Unmarshal(delivery.Body, &job); err != nil {
					continue
				}
				jobs <- &job
			}
		}
	}()

	return jobs, nil
}

// Close will close the channel and connection to release resources
func (a *AMQPBroker) Close() {
	a.channel.Close()
	a.connection.Close()
}
