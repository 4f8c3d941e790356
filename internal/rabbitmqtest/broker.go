// Package rabbitmqtest provides an in-memory broker implementing the
// connection and channel interfaces of package rabbitmq.
//
// Queues are reached through the default exchange only. Delivery tags come
// from one broker-wide counter so tests can fix them with SetNextDeliveryTag.
// Deliveries returned with requeue stay in the queue until the next publish
// or Consume, which keeps a requeue loop from spinning.
package rabbitmqtest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/glimte/rabbitkit/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Published is a message a client published
type Published struct {
	Exchange   string
	RoutingKey string
	amqp.Publishing
}

// Settlement is one ack, nack or reject a client sent
type Settlement struct {
	Op       string // ack, nack or reject
	Tag      uint64
	Multiple bool
	Requeue  bool
}

// Declaration is one queue declare a client sent
type Declaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// ConsumerInfo describes a live consumer
type ConsumerInfo struct {
	Tag      string
	Queue    string
	Prefetch int
}

// Responder is called after each publish to the queue it was set for
type Responder func(b *Broker, msg Published)

// Broker is an in-memory stand-in for a RabbitMQ server
type Broker struct {
	mu sync.Mutex

	queues      map[string]*queue
	conns       []*Connection
	failures    map[string][]error
	responders  map[string]Responder
	nextTag     uint64
	nextQueueID int

	dials          int
	channelsOpened int
	published      []Published
	settlements    []Settlement
	declarations   []Declaration
	cancelled      []string
	unknownTags    []uint64
}

type queue struct {
	name       string
	autoDelete bool
	exclusive  *Connection
	messages   []message
	consumers  []*consumer
	next       int
}

type message struct {
	Published
	redelivered bool
}

type consumer struct {
	tag        string
	queue      *queue
	channel    *Channel
	deliveries chan amqp.Delivery
}

type unacked struct {
	tag   uint64
	queue *queue
	msg   message
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		queues:     make(map[string]*queue),
		failures:   make(map[string][]error),
		responders: make(map[string]Responder),
		nextTag:    1,
	}
}

// FailNext makes the next call of op fail with err. Ops are dial, channel,
// qos, declare, publish, consume, get, ack, nack, reject, cancel and close.
// Repeated calls queue further failures.
func (b *Broker) FailNext(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = append(b.failures[op], err)
}

// FailDials makes the next n dials fail with err
func (b *Broker) FailDials(n int, err error) {
	for range n {
		b.FailNext("dial", err)
	}
}

// failure must be called with mu held
func (b *Broker) failure(op string) error {
	errs := b.failures[op]
	if len(errs) == 0 {
		return nil
	}
	b.failures[op] = errs[1:]
	return errs[0]
}

// SetNextDeliveryTag sets the tag of the next delivery
func (b *Broker) SetNextDeliveryTag(tag uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextTag = tag
}

// Respond sets the responder for messages published to queue
func (b *Broker) Respond(queue string, r Responder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responders[queue] = r
}

// Dial opens a connection; it satisfies rabbitmq.Dialer
func (b *Broker) Dial(amqp.URI) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if err := b.failure("dial"); err != nil {
		return nil, err
	}

	conn := &Connection{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// DropConnections closes every open connection as the server would on a
// forced shutdown
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := slices.Clone(b.conns)
	b.mu.Unlock()

	for _, conn := range conns {
		conn.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED", Server: true})
	}
}

// CancelConsumers ends every consumer of queue as a server basic.cancel
// would, leaving their channels open
func (b *Broker) CancelConsumers(queueName string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return
	}
	for _, c := range slices.Clone(q.consumers) {
		b.removeConsumer(c)
	}
}

// Publish puts a message on queue without going through a client channel
func (b *Broker) Publish(queueName string, msg amqp.Publishing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.route(Published{RoutingKey: queueName, Publishing: msg})
}

// route must be called with mu held
func (b *Broker) route(p Published) {
	if p.Exchange != "" {
		return
	}
	q, ok := b.queues[p.RoutingKey]
	if !ok {
		return
	}
	q.messages = append(q.messages, message{Published: p})
	b.deliver(q)
}

// deliver pushes ready messages of q to its consumers; mu must be held
func (b *Broker) deliver(q *queue) {
	for len(q.messages) > 0 && len(q.consumers) > 0 {
		msg := q.messages[0]
		q.messages = q.messages[1:]

		c := q.consumers[q.next%len(q.consumers)]
		q.next++

		tag := b.nextTag
		b.nextTag++
		c.channel.unacked = append(c.channel.unacked, unacked{tag: tag, queue: q, msg: msg})
		c.deliveries <- delivery(msg, tag, c.tag)
	}
}

func delivery(msg message, tag uint64, consumerTag string) amqp.Delivery {
	return amqp.Delivery{
		Headers:         msg.Headers,
		ContentType:     msg.ContentType,
		ContentEncoding: msg.ContentEncoding,
		DeliveryMode:    msg.DeliveryMode,
		Priority:        msg.Priority,
		CorrelationId:   msg.CorrelationId,
		ReplyTo:         msg.ReplyTo,
		Expiration:      msg.Expiration,
		MessageId:       msg.MessageId,
		Timestamp:       msg.Timestamp,
		Type:            msg.Type,
		UserId:          msg.UserId,
		AppId:           msg.AppId,
		ConsumerTag:     consumerTag,
		DeliveryTag:     tag,
		Redelivered:     msg.redelivered,
		Exchange:        msg.Exchange,
		RoutingKey:      msg.RoutingKey,
		Body:            msg.Body,
	}
}

// removeConsumer ends c and deletes an auto-delete queue left without
// consumers; mu must be held
func (b *Broker) removeConsumer(c *consumer) {
	q := c.queue
	q.consumers = slices.DeleteFunc(q.consumers, func(other *consumer) bool { return other == c })
	delete(c.channel.consumers, c.tag)
	close(c.deliveries)
	b.cancelled = append(b.cancelled, c.tag)

	if q.autoDelete && len(q.consumers) == 0 {
		delete(b.queues, q.name)
	}
}

// requeue returns messages to the front of their queues; mu must be held
func (b *Broker) requeue(entries []unacked) {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if _, ok := b.queues[e.queue.name]; !ok {
			continue
		}
		e.msg.redelivered = true
		e.queue.messages = append([]message{e.msg}, e.queue.messages...)
	}
}

// Dials returns the number of dial attempts
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// ChannelsOpened returns the number of channels successfully opened
func (b *Broker) ChannelsOpened() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channelsOpened
}

// Published returns every message published through a client channel
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.published)
}

// Settlements returns every ack, nack and reject in order
func (b *Broker) Settlements() []Settlement {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.settlements)
}

// Declarations returns every queue declare in order
func (b *Broker) Declarations() []Declaration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.declarations)
}

// Cancelled returns the tags of consumers that have ended
func (b *Broker) Cancelled() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.cancelled)
}

// UnknownDeliveryTags returns tags settled that were not outstanding.
// A real server closes the channel for these.
func (b *Broker) UnknownDeliveryTags() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.unknownTags)
}

// Consumers returns the live consumers of queue
func (b *Broker) Consumers(queueName string) []ConsumerInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return nil
	}
	infos := make([]ConsumerInfo, 0, len(q.consumers))
	for _, c := range q.consumers {
		infos = append(infos, ConsumerInfo{Tag: c.tag, Queue: q.name, Prefetch: c.channel.prefetch})
	}
	return infos
}

// QueueExists reports whether queue is declared
func (b *Broker) QueueExists(queueName string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[queueName]
	return ok
}

// Ready returns the number of messages waiting in queue
func (b *Broker) Ready(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return 0
	}
	return len(q.messages)
}

// Connection is an in-memory broker connection
type Connection struct {
	broker   *Broker
	closed   bool
	channels []*Channel
	notify   []chan *amqp.Error
}

// Channel opens a channel
func (c *Connection) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	if err := b.failure("channel"); err != nil {
		return nil, err
	}

	ch := &Channel{broker: b, conn: c, consumers: make(map[string]*consumer)}
	c.channels = append(c.channels, ch)
	b.channelsOpened++
	return ch, nil
}

// NotifyClose registers receiver for the connection shutdown
func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// Close closes the connection from the client side
func (c *Connection) Close() error {
	if c.IsClosed() {
		return amqp.ErrClosed
	}
	c.shutdown(nil)
	return nil
}

// IsClosed reports whether the connection is closed
func (c *Connection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *Connection) shutdown(reason *amqp.Error) {
	b := c.broker
	b.mu.Lock()
	if c.closed {
		b.mu.Unlock()
		return
	}
	c.closed = true
	for _, ch := range c.channels {
		ch.shutdown()
	}
	for name, q := range b.queues {
		if q.exclusive == c {
			delete(b.queues, name)
		}
	}
	b.conns = slices.DeleteFunc(b.conns, func(other *Connection) bool { return other == c })
	notify := c.notify
	c.notify = nil
	b.mu.Unlock()

	for _, receiver := range notify {
		if reason != nil {
			select {
			case receiver <- reason:
			default:
			}
		}
		close(receiver)
	}
}

// Channel is an in-memory broker channel
type Channel struct {
	broker    *Broker
	conn      *Connection
	closed    bool
	prefetch  int
	unacked   []unacked
	consumers map[string]*consumer
}

// begin locks the broker and checks the channel is usable for op
func (ch *Channel) begin(op string) error {
	ch.broker.mu.Lock()
	if ch.closed {
		ch.broker.mu.Unlock()
		return amqp.ErrClosed
	}
	if err := ch.broker.failure(op); err != nil {
		ch.broker.mu.Unlock()
		return err
	}
	return nil
}

func (ch *Channel) end() {
	ch.broker.mu.Unlock()
}

// Qos records the prefetch count
func (ch *Channel) Qos(prefetchCount, _ int, _ bool) error {
	if err := ch.begin("qos"); err != nil {
		return err
	}
	defer ch.end()

	ch.prefetch = prefetchCount
	return nil
}

// QueueDeclare declares a queue, naming it when name is empty
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, _ bool, args amqp.Table) (amqp.Queue, error) {
	if err := ch.begin("declare"); err != nil {
		return amqp.Queue{}, err
	}
	defer ch.end()

	b := ch.broker
	if name == "" {
		b.nextQueueID++
		name = fmt.Sprintf("amq.gen-%d", b.nextQueueID)
	}
	b.declarations = append(b.declarations, Declaration{
		Name:       name,
		Durable:    durable,
		AutoDelete: autoDelete,
		Exclusive:  exclusive,
		Arguments:  args,
	})

	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name, autoDelete: autoDelete}
		if exclusive {
			q.exclusive = ch.conn
		}
		b.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.messages), Consumers: len(q.consumers)}, nil
}

// PublishWithContext routes msg through the default exchange
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ch.begin("publish"); err != nil {
		return err
	}

	b := ch.broker
	p := Published{Exchange: exchange, RoutingKey: key, Publishing: msg}
	b.published = append(b.published, p)
	b.route(p)
	responder := b.responders[key]
	ch.end()

	if responder != nil {
		responder(b, p)
	}
	return nil
}

// Consume starts a consumer on queueName
func (ch *Channel) Consume(queueName, consumerTag string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	if err := ch.begin("consume"); err != nil {
		return nil, err
	}
	defer ch.end()

	b := ch.broker
	q, ok := b.queues[queueName]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + queueName + "'", Server: true}
	}

	c := &consumer{
		tag:        consumerTag,
		queue:      q,
		channel:    ch,
		deliveries: make(chan amqp.Delivery, 256),
	}
	q.consumers = append(q.consumers, c)
	ch.consumers[consumerTag] = c
	b.deliver(q)
	return c.deliveries, nil
}

// Get pulls one message from queueName
func (ch *Channel) Get(queueName string, autoAck bool) (amqp.Delivery, bool, error) {
	if err := ch.begin("get"); err != nil {
		return amqp.Delivery{}, false, err
	}
	defer ch.end()

	b := ch.broker
	q, ok := b.queues[queueName]
	if !ok {
		return amqp.Delivery{}, false, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + queueName + "'", Server: true}
	}
	if len(q.messages) == 0 {
		return amqp.Delivery{}, false, nil
	}

	msg := q.messages[0]
	q.messages = q.messages[1:]
	tag := b.nextTag
	b.nextTag++
	if !autoAck {
		ch.unacked = append(ch.unacked, unacked{tag: tag, queue: q, msg: msg})
	}
	return delivery(msg, tag, ""), true, nil
}

// Ack acknowledges tag, or every outstanding tag up to it when multiple
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	if err := ch.begin("ack"); err != nil {
		return err
	}
	defer ch.end()

	ch.broker.settlements = append(ch.broker.settlements, Settlement{Op: "ack", Tag: tag, Multiple: multiple})
	ch.take(tag, multiple)
	return nil
}

// Nack rejects tag, or every outstanding tag up to it when multiple
func (ch *Channel) Nack(tag uint64, multiple bool, requeue bool) error {
	if err := ch.begin("nack"); err != nil {
		return err
	}
	defer ch.end()

	ch.broker.settlements = append(ch.broker.settlements, Settlement{Op: "nack", Tag: tag, Multiple: multiple, Requeue: requeue})
	taken := ch.take(tag, multiple)
	if requeue {
		ch.broker.requeue(taken)
	}
	return nil
}

// Reject rejects a single tag
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	if err := ch.begin("reject"); err != nil {
		return err
	}
	defer ch.end()

	ch.broker.settlements = append(ch.broker.settlements, Settlement{Op: "reject", Tag: tag, Requeue: requeue})
	taken := ch.take(tag, false)
	if requeue {
		ch.broker.requeue(taken)
	}
	return nil
}

// take removes settled entries from the outstanding list; mu must be held
func (ch *Channel) take(tag uint64, multiple bool) []unacked {
	var taken []unacked
	ch.unacked = slices.DeleteFunc(ch.unacked, func(u unacked) bool {
		if u.tag == tag || (multiple && u.tag < tag) {
			taken = append(taken, u)
			return true
		}
		return false
	})
	if len(taken) == 0 || taken[len(taken)-1].tag != tag {
		ch.broker.unknownTags = append(ch.broker.unknownTags, tag)
	}
	return taken
}

// Cancel ends the consumer with tag consumerTag
func (ch *Channel) Cancel(consumerTag string, _ bool) error {
	if err := ch.begin("cancel"); err != nil {
		return err
	}
	defer ch.end()

	if c, ok := ch.consumers[consumerTag]; ok {
		ch.broker.removeConsumer(c)
	}
	return nil
}

// Close closes the channel, returning outstanding deliveries to their queues
func (ch *Channel) Close() error {
	if err := ch.begin("close"); err != nil {
		return err
	}
	defer ch.end()

	ch.shutdown()
	return nil
}

// IsClosed reports whether the channel is closed
func (ch *Channel) IsClosed() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closed
}

// shutdown must be called with mu held
func (ch *Channel) shutdown() {
	if ch.closed {
		return
	}
	ch.closed = true
	for _, c := range ch.consumers {
		ch.broker.removeConsumer(c)
	}
	ch.broker.requeue(ch.unacked)
	ch.unacked = nil
}

var (
	_ rabbitmq.Connection = (*Connection)(nil)
	_ rabbitmq.Channel    = (*Channel)(nil)
	_ rabbitmq.Dialer     = (*Broker)(nil).Dial
)
