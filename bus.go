package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrPublishTimeout is returned when a payload cannot be enqueued on the Bus
// within the configured publish timeout.
var ErrPublishTimeout = errors.New("publish timeout: bus queue full")

// BusConfig holds configuration parameters for initializing a Bus.
type BusConfig struct {
	BufferSize     int           // Size of the payload and task queues.
	WorkerCount    int           // Number of worker goroutines delivering payloads.
	PublishTimeout time.Duration // How long Send waits for queue space.
	RetryInitial   time.Duration // First delay when redelivering a failed payload.
	RetryMax       time.Duration // Upper bound on the redelivery delay.
	DrainTimeout   time.Duration // How long Close waits for queued payloads.
	Logger         *zap.Logger
}

// DefaultBusConfig returns a BusConfig with sensible default values.
//
// Returns:
//   - A BusConfig with default settings.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		BufferSize:     1000,
		WorkerCount:    8,
		PublishTimeout: 100 * time.Millisecond,
		RetryInitial:   100 * time.Millisecond,
		RetryMax:       5 * time.Second,
		DrainTimeout:   5 * time.Second,
		Logger:         zap.NewNop(),
	}
}

// Bus is an in-process Transport. Payloads sent to it are queued and handed
// to subscribers by a pool of workers, so a single process can run the full
// publish/consume path without an external broker. Failed deliveries are
// retried with backoff until they succeed, fail permanently, or the bus is
// closed.
type Bus struct {
	mu       sync.RWMutex
	subs     map[int]subscriber // Registered handlers keyed by subscription id.
	nextSub  int
	ready    chan struct{} // Closed once the first subscriber registers.
	readyOne sync.Once

	sendMu    sync.RWMutex // Guards closing the queue against in-flight sends.
	cfg       BusConfig
	log       *zap.Logger
	queue     chan []byte       // Payloads awaiting dispatch.
	tasks     chan deliveryTask // Payload/subscriber pairs awaiting a worker.
	workerWg  sync.WaitGroup
	inflight  sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
	stop      chan struct{} // Signals workers to abandon outstanding retries.
	next      atomic.Uint64 // Rotation cursor over subscribers.
}

type subscriber struct {
	ctx context.Context
	h   MessageHandler
}

type deliveryTask struct {
	sub     subscriber
	payload []byte
}

// NewBus creates a new Bus with the specified configuration options.
// Workers and the dispatch loop start immediately.
//
// Parameters:
//   - opts: Variadic BusOption functions to configure the bus.
//
// Returns:
//   - *Bus: A pointer to the initialized Bus.
func NewBus(opts ...BusOption) *Bus {
	cfg := DefaultBusConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	b := &Bus{
		subs:  make(map[int]subscriber),
		ready: make(chan struct{}),
		cfg:   cfg,
		log:   cfg.Logger,
		queue: make(chan []byte, cfg.BufferSize),
		tasks: make(chan deliveryTask, cfg.BufferSize),
		stop:  make(chan struct{}),
	}
	b.log.Debug("audit bus created",
		zap.Int("buffer_size", cfg.BufferSize), zap.Int("worker_count", cfg.WorkerCount))

	for i := 0; i < cfg.WorkerCount; i++ {
		b.workerWg.Add(1)
		go b.worker()
	}
	b.workerWg.Add(1)
	go b.dispatchLoop()
	return b
}

// Send enqueues a copy of payload. It fails when the bus is closed or the
// queue stays full past the publish timeout.
func (b *Bus) Send(ctx context.Context, payload []byte) error {
	if b.closed.Load() {
		return ErrTransportClosed
	}
	p := append([]byte(nil), payload...)

	b.sendMu.RLock()
	defer b.sendMu.RUnlock()
	if b.closed.Load() {
		return ErrTransportClosed
	}
	timer := time.NewTimer(b.cfg.PublishTimeout)
	defer timer.Stop()
	b.inflight.Add(1)
	select {
	case b.queue <- p:
		return nil
	case <-ctx.Done():
		b.inflight.Done()
		return ctx.Err()
	case <-timer.C:
		b.inflight.Done()
		return ErrPublishTimeout
	}
}

// Subscribe registers h and blocks until ctx is done or the bus is closed.
// Each payload is delivered to one subscriber.
func (b *Bus) Subscribe(ctx context.Context, h MessageHandler) error {
	if b.closed.Load() {
		return ErrTransportClosed
	}
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = subscriber{ctx: ctx, h: h}
	b.mu.Unlock()
	b.readyOne.Do(func() { close(b.ready) })

	select {
	case <-ctx.Done():
	case <-b.stop:
	}

	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
	return nil
}

// Close stops accepting payloads, waits up to the drain timeout for queued
// payloads to be delivered, then stops the workers.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		b.sendMu.Lock()
		b.closed.Store(true)
		close(b.queue)
		b.sendMu.Unlock()

		drained := make(chan struct{})
		go func() {
			b.inflight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(b.cfg.DrainTimeout):
			b.log.Warn("audit bus closed with undelivered payloads")
		}
		close(b.stop)
		b.workerWg.Wait()
	})
	return nil
}

// pick returns one registered subscriber, rotating through them.
func (b *Bus) pick() (subscriber, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.subs) == 0 {
		return subscriber{}, false
	}
	n := int(b.next.Add(1) % uint64(len(b.subs)))
	for _, s := range b.subs {
		if n == 0 {
			return s, true
		}
		n--
	}
	return subscriber{}, false
}

// dispatchLoop pairs queued payloads with subscribers. Nothing is dispatched
// until the first subscriber registers.
func (b *Bus) dispatchLoop() {
	defer b.workerWg.Done()
	select {
	case <-b.ready:
	case <-b.stop:
		return
	}
	for p := range b.queue {
		sub, ok := b.pick()
		for !ok {
			select {
			case <-b.stop:
				b.inflight.Done()
				return
			case <-time.After(b.cfg.RetryInitial):
			}
			sub, ok = b.pick()
		}
		select {
		case b.tasks <- deliveryTask{sub: sub, payload: p}:
		case <-b.stop:
			b.inflight.Done()
			return
		}
	}
}

// worker delivers tasks, recovering from handler panics.
func (b *Bus) worker() {
	defer b.workerWg.Done()
	for {
		select {
		case task := <-b.tasks:
			b.run(task)
		case <-b.stop:
			return
		}
	}
}

func (b *Bus) run(task deliveryTask) {
	defer b.inflight.Done()
	ctx, cancel := context.WithCancel(task.sub.ctx)
	defer cancel()
	go func() {
		select {
		case <-b.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	h := func(ctx context.Context, p []byte) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return task.sub.h(ctx, p)
	}
	if err := deliver(ctx, h, task.payload, redeliveryBackOff(b.cfg.RetryInitial, b.cfg.RetryMax), b.log); err != nil {
		b.log.Warn("audit payload abandoned", zap.Error(err))
	}
}
