package service

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mselletoe/brgypuj-kiosk/internal/core/domain"
	"github.com/mselletoe/brgypuj-kiosk/internal/port"
)

const publishTimeout = 2 * time.Second

// StockPublisher mirrors committed stock levels into the cache from a pool of
// workers. The cache keeps the highest version it has seen, so workers may
// apply updates out of order.
type StockPublisher struct {
	cache port.CacheRepository
	queue chan domain.StockLevel
	log   logrus.FieldLogger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewStockPublisher(cache port.CacheRepository, queueSize int, log logrus.FieldLogger) *StockPublisher {
	return &StockPublisher{
		cache: cache,
		queue: make(chan domain.StockLevel, queueSize),
		log:   log.WithField("service", "stock_publisher"),
	}
}

// Publish enqueues levels without blocking. Levels that do not fit are
// dropped; the next mutation of the item carries a newer version anyway.
func (p *StockPublisher) Publish(levels ...domain.StockLevel) {
	if p == nil {
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	for _, level := range levels {
		select {
		case p.queue <- level:
		default:
			p.log.WithFields(logrus.Fields{
				"item_id": level.ItemID,
				"version": level.Version,
			}).Warn("stock queue full, dropping cache update")
		}
	}
}

// Start launches n workers draining the queue.
func (p *StockPublisher) Start(n int) {
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.workerLoop(id)
		}(i)
	}
	p.log.WithField("workers", n).Info("stock publisher started")
}

// Close stops accepting updates and waits for the workers to drain the queue.
func (p *StockPublisher) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *StockPublisher) workerLoop(id int) {
	for level := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)

		applied, err := p.cache.SetStock(ctx, level)
		entry := p.log.WithFields(logrus.Fields{
			"worker":    id,
			"item_id":   level.ItemID,
			"available": level.Available,
			"version":   level.Version,
		})
		switch {
		case err != nil:
			entry.WithError(err).Warn("failed to mirror stock level")
		case !applied:
			entry.Debug("cache already holds a newer stock level")
		default:
			entry.Debug("mirrored stock level")
		}

		cancel()
	}
}
