package delivery

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ashureev/ama-gateway/internal/domain"
)

// Side-channel topics.
const (
	TopicData            = "data"
	TopicFollowupMessage = "followup_message"
)

// Item is one side-channel payload.
type Item struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// FollowupPayload is the body sent on TopicFollowupMessage.
type FollowupPayload struct {
	Content string `json:"content"`
}

// ItemsForTurn returns the side-channel items a turn carries: its data
// list, then its follow-up message.
func ItemsForTurn(turn domain.Turn) []Item {
	var items []Item
	if len(turn.Data) > 0 {
		items = append(items, Item{Topic: TopicData, Payload: turn.Data})
	}
	if turn.FollowupMessage != "" {
		items = append(items, Item{Topic: TopicFollowupMessage, Payload: FollowupPayload{Content: turn.FollowupMessage}})
	}
	return items
}

type publishJob struct {
	destination string
	item        Item
}

// PublisherConfig sizes the worker pool.
type PublisherConfig struct {
	// Workers caps how many deliveries run at once.
	Workers int
}

// Publisher dispatches side-channel items with bounded concurrency.
// Every accepted item gets its own delivery attempt: when all worker slots
// are busy the item waits for one instead of being dropped. Enqueueing never
// blocks the caller.
type Publisher struct {
	deliverer *Deliverer
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	slots  chan struct{}
	wg     sync.WaitGroup
}

// NewPublisher creates a publisher running at most cfg.Workers deliveries
// concurrently.
func NewPublisher(deliverer *Deliverer, cfg PublisherConfig, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher{
		deliverer: deliverer,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		slots:     make(chan struct{}, cfg.Workers),
	}
}

func (p *Publisher) run(job publishJob) {
	defer p.wg.Done()

	select {
	case p.slots <- struct{}{}:
	case <-p.ctx.Done():
		p.logger.Warn("[PUBLISHER] Publisher shut down before item was attempted",
			"topic", job.item.Topic,
			"destination", job.destination,
		)
		return
	}
	defer func() { <-p.slots }()

	p.deliverer.Deliver(p.ctx, job.destination, job.item.Topic, job.item.Payload)
}

// PublishTurn schedules the side-channel items of turn for destination.
func (p *Publisher) PublishTurn(destination string, turn domain.Turn) int {
	if !turn.HasSideChannel() {
		return 0
	}
	return p.Publish(destination, ItemsForTurn(turn)...)
}

// Publish schedules items for destination and returns how many were
// accepted. Only a closed publisher refuses items.
func (p *Publisher) Publish(destination string, items ...Item) int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		for _, item := range items {
			p.logger.Warn("[PUBLISHER] Publisher closed, dropping item",
				"topic", item.Topic,
				"destination", destination,
			)
		}
		return 0
	}

	for _, item := range items {
		p.wg.Add(1)
		go p.run(publishJob{destination: destination, item: item})
		p.logger.Debug("[PUBLISHER] Item scheduled",
			"topic", item.Topic,
			"destination", destination,
		)
	}
	return len(items)
}

// Close stops accepting items and waits for scheduled deliveries to finish.
// If ctx ends first, pending and in-flight deliveries are cancelled and
// ctx.Err() is returned.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
