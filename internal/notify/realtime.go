package notify

import (
	"context"
	"sync"
	"time"
)

// TopicAll receives every published message.
const TopicAll = "*"

// Message is one realtime notification pushed to operator streams.
type Message struct {
	ID        string
	Topic     string
	Kind      Kind
	BrokerID  int64
	Subject   string
	Body      string
	Timestamp time.Time
}

// Dispatcher fans messages out to subscribers of a topic.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Message
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  32,
	}
}

// Subscribe registers a stream for topic until ctx ends or cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, topic string) (<-chan Message, func()) {
	if topic == "" {
		ch := make(chan Message)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Message, d.bufferSize),
	}
	d.register(topic, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregister(topic, sub.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers message to its topic and to TopicAll. Slow subscribers drop messages.
func (d *Dispatcher) Publish(message Message) {
	if message.Topic == "" || message.Kind == "" {
		return
	}
	d.mu.RLock()
	targets := make([]*subscriber, 0)
	for _, topic := range []string{message.Topic, TopicAll} {
		for _, sub := range d.subscribers[topic] {
			targets = append(targets, sub)
		}
		if message.Topic == TopicAll {
			break
		}
	}
	d.mu.RUnlock()
	for _, sub := range targets {
		select {
		case sub.stream <- message:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(topic string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*subscriber)
	}
	d.subscribers[topic][sub.id] = sub
}

func (d *Dispatcher) unregister(topic string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, topic)
		}
	}
	d.mu.Unlock()
}
