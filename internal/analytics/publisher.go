package analytics

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aaron-Lilly/symphainy-production-sub027/pkg/types"
	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"
)

// Publisher streams traffic records to Kafka for downstream consumers.
// Publishing is fire and forget from the request path: records are handed
// to a bounded channel and batched by a background writer; when the channel
// is full the record is dropped, never blocking a response.
type Publisher struct {
	writer *kafka.Writer
	topic  string

	ch     chan types.TrafficRecord
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	published atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64
}

// NewPublisher creates a publisher. With no brokers it runs disabled and
// drops everything silently.
func NewPublisher(brokers []string, topic string) *Publisher {
	if len(brokers) == 0 {
		log.Warn("No Kafka brokers configured, traffic event publishing disabled")
		return &Publisher{}
	}
	if topic == "" {
		topic = "traffic-events"
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    1000,
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Compression:  kafka.Zstd,
			MaxAttempts:  3,
		},
		topic:  topic,
		ch:     make(chan types.TrafficRecord, 8192),
		ctx:    ctx,
		cancel: cancel,
	}

	p.wg.Add(1)
	go p.writeLoop()

	return p
}

// Publish enqueues a record without blocking
func (p *Publisher) Publish(rec types.TrafficRecord) {
	if p.writer == nil {
		return
	}
	select {
	case p.ch <- rec:
	default:
		p.dropped.Add(1)
	}
}

// Close flushes and shuts down the writer
func (p *Publisher) Close() {
	if p.writer == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
	if err := p.writer.Close(); err != nil {
		log.WithError(err).Warn("Failed to close Kafka writer")
	}
}

// Stats reports publish counters
func (p *Publisher) Stats() (published, dropped, errors uint64) {
	return p.published.Load(), p.dropped.Load(), p.errors.Load()
}

func (p *Publisher) writeLoop() {
	defer p.wg.Done()

	batch := make([]kafka.Message, 0, 256)
	flush := time.NewTicker(50 * time.Millisecond)
	defer flush.Stop()

	send := func() {
		if len(batch) == 0 {
			return
		}
		// Detached context so the final flush survives shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.writer.WriteMessages(ctx, batch...); err != nil {
			p.errors.Add(uint64(len(batch)))
			log.WithError(err).Debug("Failed to publish traffic events")
		} else {
			p.published.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-p.ch:
			value, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			batch = append(batch, kafka.Message{
				Key:   []byte(rec.Service),
				Value: value,
			})
			if len(batch) >= 256 {
				send()
			}

		case <-flush.C:
			send()

		case <-p.ctx.Done():
			send()
			return
		}
	}
}
