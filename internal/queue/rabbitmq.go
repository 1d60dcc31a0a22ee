package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/cnaesz/Morphile/internal/logging"
)

const (
	headerAttempt   = "x-attempt"
	headerLastError = "x-last-error"
)

type RabbitOptions struct {
	URL   string
	Queue string
	// LeaseTimeout becomes the queue's consumer timeout: a delivery not
	// settled within it is returned to the queue.
	LeaseTimeout time.Duration
	// Prefetch is how many unacknowledged jobs the broker hands this process
	// at once. Set it to the number of workers calling Dequeue.
	Prefetch int
}

// consumerChannel is the part of *amqp091.Channel a consumer uses.
type consumerChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	Close() error
}

// RabbitBroker keeps jobs in a durable RabbitMQ queue. Delayed retries go
// through "<queue>.retry", whose expired messages dead-letter back into the
// main queue; terminal failures are parked in "<queue>.failed".
type RabbitBroker struct {
	conn     *amqp091.Connection
	queue    string
	lease    time.Duration
	prefetch int

	openChannel func() (consumerChannel, error)
	isClosed    func() bool

	pubMu sync.Mutex
	pub   *amqp091.Channel

	consMu sync.Mutex
	cons   consumerChannel
	msgs   <-chan amqp091.Delivery
}

func NewRabbitBroker(opts RabbitOptions) (*RabbitBroker, error) {
	conn, err := amqp091.Dial(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	b := &RabbitBroker{
		conn:     conn,
		queue:    opts.Queue,
		lease:    opts.LeaseTimeout,
		prefetch: max(opts.Prefetch, 1),
		pub:      ch,
		openChannel: func() (consumerChannel, error) {
			ch, err := conn.Channel()
			if err != nil {
				return nil, err
			}
			return ch, nil
		},
		isClosed: conn.IsClosed,
	}
	if err := b.declare(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	logging.Queue.Printf("rabbitmq broker ready (queue=%s, prefetch=%d)", opts.Queue, b.prefetch)
	return b, nil
}

func (b *RabbitBroker) retryQueue() string  { return b.queue + ".retry" }
func (b *RabbitBroker) failedQueue() string { return b.queue + ".failed" }

// declare creates the three queues. Declaring is idempotent as long as the
// arguments match what already exists.
func (b *RabbitBroker) declare(ch *amqp091.Channel) error {
	var mainArgs amqp091.Table
	if b.lease > 0 {
		mainArgs = amqp091.Table{"x-consumer-timeout": b.lease.Milliseconds()}
	}
	queues := []struct {
		name string
		args amqp091.Table
	}{
		{b.queue, mainArgs},
		{b.retryQueue(), amqp091.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": b.queue,
		}},
		{b.failedQueue(), nil},
	}
	for _, q := range queues {
		_, err := ch.QueueDeclare(
			q.name, // name
			true,   // durable
			false,  // auto-delete
			false,  // exclusive
			false,  // no-wait
			q.args, // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q.name, err)
		}
	}
	return nil
}

func (b *RabbitBroker) publish(ctx context.Context, queue string, msg amqp091.Publishing) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	err := b.pub.PublishWithContext(
		ctx,
		"",    // exchange (empty for direct queue)
		queue, // routing key (queue name)
		false, // mandatory
		false, // immediate
		msg,
	)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}

func (b *RabbitBroker) Enqueue(ctx context.Context, job *Job) error {
	body, err := job.Encode()
	if err != nil {
		return err
	}
	return b.publish(ctx, b.queue, jobPublishing(job.ID, body, 0, ""))
}

func (b *RabbitBroker) consumer() (<-chan amqp091.Delivery, error) {
	b.consMu.Lock()
	defer b.consMu.Unlock()

	if b.msgs != nil {
		return b.msgs, nil
	}
	if b.isClosed() {
		return nil, ErrClosed
	}

	ch, err := b.openChannel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	// Every worker shares this channel, so the server may keep one
	// unacknowledged job outstanding per worker.
	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}
	msgs, err := ch.Consume(
		b.queue, // queue
		"",      // consumer tag (auto-generated)
		false,   // auto-ack (we'll ack manually)
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	b.cons, b.msgs = ch, msgs
	return msgs, nil
}

// dropConsumer forgets a consumer whose channel was closed by the server,
// for example after a consumer timeout.
func (b *RabbitBroker) dropConsumer(msgs <-chan amqp091.Delivery) {
	b.consMu.Lock()
	defer b.consMu.Unlock()
	if b.msgs == msgs {
		b.cons, b.msgs = nil, nil
	}
}

func (b *RabbitBroker) Dequeue(ctx context.Context) (Delivery, error) {
	for {
		msgs, err := b.consumer()
		if err != nil {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				b.dropConsumer(msgs)
				if b.isClosed() {
					return nil, ErrClosed
				}
				logging.Queue.Printf("consumer channel closed, reopening")
				continue
			}

			job, err := Decode(msg.Body)
			if err != nil {
				logging.Queue.Printf("dropping undecodable message %s: %v", msg.MessageId, err)
				d := &rabbitDelivery{broker: b, msg: msg}
				if ferr := d.Fail(ctx, err.Error()); ferr != nil {
					return nil, ferr
				}
				continue
			}
			attempt := attemptOf(msg.Headers, msg.Redelivered)
			if attempt > 1 {
				logging.Queue.Printf("re-delivering job=%s attempt=%d", job.ID, attempt)
			}
			return &rabbitDelivery{broker: b, msg: msg, job: job, attempt: attempt}, nil
		}
	}
}

func (b *RabbitBroker) Close() error {
	b.consMu.Lock()
	if b.cons != nil {
		b.cons.Close()
	}
	b.consMu.Unlock()

	if b.pub != nil {
		b.pub.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

type rabbitDelivery struct {
	broker  *RabbitBroker
	msg     amqp091.Delivery
	job     *Job
	attempt int
}

func (d *rabbitDelivery) Job() *Job    { return d.job }
func (d *rabbitDelivery) Attempt() int { return d.attempt }

func (d *rabbitDelivery) Ack(ctx context.Context) error {
	return d.msg.Ack(false)
}

func (d *rabbitDelivery) Retry(ctx context.Context, delay time.Duration, reason string) error {
	msg := jobPublishing(d.msg.MessageId, d.msg.Body, d.attempt, reason)
	target := d.broker.queue
	if delay > 0 {
		msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
		target = d.broker.retryQueue()
	}
	if err := d.broker.publish(ctx, target, msg); err != nil {
		return err
	}
	return d.msg.Ack(false)
}

func (d *rabbitDelivery) Fail(ctx context.Context, reason string) error {
	msg := jobPublishing(d.msg.MessageId, d.msg.Body, d.attempt, reason)
	if err := d.broker.publish(ctx, d.broker.failedQueue(), msg); err != nil {
		return err
	}
	return d.msg.Ack(false)
}

// jobPublishing builds a persistent message. attempts is the number of
// deliveries already made.
func jobPublishing(id string, body []byte, attempts int, lastError string) amqp091.Publishing {
	headers := amqp091.Table{headerAttempt: int64(attempts)}
	if lastError != "" {
		headers[headerLastError] = lastError
	}
	return amqp091.Publishing{
		DeliveryMode: amqp091.Persistent,
		ContentType:  "application/json",
		MessageId:    id,
		Headers:      headers,
		Body:         body,
		Timestamp:    time.Now(),
	}
}

// attemptOf numbers a delivery from the attempts recorded on the message. A
// message the broker re-delivers after a lost consumer gets one more.
func attemptOf(headers amqp091.Table, redelivered bool) int {
	prior := 0
	switch v := headers[headerAttempt].(type) {
	case int64:
		prior = int(v)
	case int32:
		prior = int(v)
	case int16:
		prior = int(v)
	case int8:
		prior = int(v)
	case int:
		prior = v
	}
	attempt := prior + 1
	if redelivered {
		attempt++
	}
	return attempt
}
