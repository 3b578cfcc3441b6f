package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"arvcare/internal/eventbus"
	rtsup "arvcare/internal/runtime/supervisor"
	"arvcare/internal/storage"
	"arvcare/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrNoChannel = errors.New("notifier: no channel")
)

// Store is the persistence the notifier can use. Both halves are optional.
type Store interface {
	storage.DedupStore
	storage.DeliveryLog
}

type job struct {
	n   Notification
	key string
}

// Service is the async reminder pipeline: queue, worker pool, rate limit,
// retry with backoff and dedup. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	ch    Channel
	bus   eventbus.Bus
	store Store
	now   func() time.Time

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan job
	sup       *rtsup.Supervisor
	stopDone  chan struct{}

	dmu   sync.Mutex
	dedup map[string]time.Time

	queued, sent, failed, dropped, deduped atomic.Uint64
}

// New builds a Service delivering through ch. store may be nil.
func New(cfg Config, ch Channel, log logx.Logger, bus eventbus.Bus, store Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		ch:    ch,
		log:   log.With(logx.String("comp", "notifier")),
		bus:   bus,
		store: store,
		now:   time.Now,
		dedup: map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps rate, retry and dedup settings. Workers and queue size take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 5000
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start spins up the workers. It is idempotent and a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return nil
		}, rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second))
	}
	s.log.Info("notifier started", logx.Int("workers", workers), logx.String("channel", s.channelName()))
}

// Stop stops intake and drains the queue until ctx is done; then in-flight
// deliveries are cancelled.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		<-done
	}
}

// Notify enqueues n. A notification suppressed by dedup returns nil: the
// reminder was already handed over within the window.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if s.ch == nil {
		s.mu.Unlock()
		return ErrNoChannel
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	cfg := s.cfg
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	key := dedupKey(n)

	if cfg.DedupWindow > 0 && !s.dedupAllow(ctx, key, cfg) {
		s.deduped.Add(1)
		s.log.Debug("notification deduplicated", logx.String("key", key))
		return nil
	}

	select {
	case q <- job{n: n, key: key}:
		s.queued.Add(1)
		return nil
	default:
		s.dropped.Add(1)
		s.forgetDedup(key)
		s.publish(eventbus.TypeNotificationDrop, n, key, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() Stats {
	s.mu.Lock()
	st := Stats{
		Enabled: s.cfg.Enabled,
		Running: s.queue != nil && s.accepting,
	}
	if s.queue != nil {
		st.QueueLen, st.QueueCap = len(s.queue), cap(s.queue)
	}
	ch := s.ch
	s.mu.Unlock()

	if ch != nil {
		st.Channel = ch.Name()
		if b, ok := ch.(interface{ State() string }); ok {
			st.Breaker = b.State()
		}
	}
	st.Queued = s.queued.Load()
	st.Sent = s.sent.Load()
	st.Failed = s.failed.Load()
	st.Dropped = s.dropped.Load()
	st.Deduped = s.deduped.Load()
	return st
}

func (s *Service) channelName() string {
	if s.ch == nil {
		return ""
	}
	return s.ch.Name()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim, ch := s.cfg, s.limiter, s.ch
	s.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	attempts := 0
	var lastErr error
	for attempts < maxAttempts {
		if err := lim.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := ch.Deliver(callCtx, j.n)
		cancel()
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		s.log.Debug("delivery attempt failed",
			logx.String("key", j.key),
			logx.Int("attempt", attempts),
			logx.Int("max", maxAttempts),
			logx.Err(err),
		)
		if IsPermanent(err) || attempts >= maxAttempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempts))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			lastErr = ctx.Err()
		}
		if ctx.Err() != nil {
			break
		}
	}

	if lastErr == nil {
		s.sent.Add(1)
		s.publish(eventbus.TypeNotificationSent, j.n, j.key, nil)
	} else {
		s.failed.Add(1)
		// Let a later tick try again.
		s.forgetDedup(j.key)
		s.log.Warn("reminder delivery failed",
			logx.String("key", j.key),
			logx.String("kind", j.n.Kind),
			logx.Int64("patient_id", j.n.Recipient.PatientID),
			logx.Int("attempts", attempts),
			logx.Err(lastErr),
		)
		s.publish(eventbus.TypeNotificationFail, j.n, j.key, lastErr)
	}
	s.record(j, ch.Name(), attempts, lastErr)
}

func (s *Service) record(j job, channel string, attempts int, err error) {
	if s.store == nil {
		return
	}
	rec := storage.DeliveryRecord{
		At:        s.now(),
		Key:       j.key,
		Kind:      j.n.Kind,
		Channel:   channel,
		PatientID: j.n.Recipient.PatientID,
		Attempts:  attempts,
		OK:        err == nil,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	// Record even when shutting down.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if werr := s.store.AppendDelivery(ctx, rec); werr != nil {
		s.log.Warn("delivery log write failed", logx.String("key", j.key), logx.Err(werr))
	}
}

func (s *Service) publish(typ string, n Notification, key string, err error) {
	d := eventbus.NotificationData{Kind: n.Kind, Channel: s.channelName(), Key: key}
	if err != nil {
		d.Err = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: d})
}

func dedupKey(n Notification) string {
	if n.Key != "" {
		return n.Key
	}
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%d|%d|", n.Kind, n.Recipient.PatientID, n.Recipient.ChatID)
	_, _ = h.Write([]byte(n.Text))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string, cfg Config) bool {
	now := s.now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if cfg.PersistDedup && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > cfg.DedupMaxEntries {
		var (
			oldest string
			minT   time.Time
		)
		for k, u := range s.dedup {
			if oldest == "" || u.Before(minT) {
				oldest, minT = k, u
			}
		}
		delete(s.dedup, oldest)
	}
	s.dmu.Unlock()

	if cfg.PersistDedup && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		if err := s.store.PutDedup(cctx, key, until); err != nil {
			s.log.Debug("dedup persist failed", logx.String("key", key), logx.Err(err))
		}
		cancel()
	}
	return true
}

func (s *Service) forgetDedup(key string) {
	s.dmu.Lock()
	delete(s.dedup, key)
	s.dmu.Unlock()

	s.mu.Lock()
	persist := s.cfg.PersistDedup
	s.mu.Unlock()
	if persist && s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		_ = s.store.PutDedup(ctx, key, time.Time{})
		cancel()
	}
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
