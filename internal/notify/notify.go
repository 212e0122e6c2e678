// Package notify delivers user and operator notices through the platform
// client. Delivery is asynchronous and best-effort: a full queue drops
// the notice, a send failure is logged and swallowed.
package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"streambot/internal/platform"
	"streambot/pkg/logx"
)

type Config struct {
	// Operator is the channel that receives operational notices
	// (persistence failures and the like).
	Operator platform.ChannelRef
	// RatePerSec caps outbound notices. Burst equals the rate.
	RatePerSec int
	// QueueSize bounds the pending notice queue.
	QueueSize int
}

type item struct {
	channel  platform.ChannelRef
	memberID int64
	notice   platform.Notice
}

// Stats is a point-in-time delivery counter view.
type Stats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

type Service struct {
	log     logx.Logger
	client  platform.Client
	limiter *rate.Limiter
	cfg     Config

	queue chan item
	wg    sync.WaitGroup

	startMu sync.Mutex
	started bool

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

func New(cfg Config, client platform.Client, log logx.Logger) *Service {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Service{
		log:     log,
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		queue:   make(chan item, cfg.QueueSize),
	}
}

func (s *Service) Start(ctx context.Context) {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return
	}
	s.started = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case it := <-s.queue:
				s.deliver(ctx, it)
			}
		}
	}()
}

// Stop waits for the worker to exit (the Start context must already be
// cancelled).
func (s *Service) Stop() { s.wg.Wait() }

func (s *Service) deliver(ctx context.Context, it item) {
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	var err error
	if it.memberID != 0 {
		err = s.client.NotifyMember(ctx, it.memberID, it.notice)
	} else {
		err = s.client.Notify(ctx, it.channel, it.notice)
	}
	if err != nil {
		s.failed.Add(1)
		s.log.Warn("notice delivery failed",
			logx.String("title", it.notice.Title),
			logx.Int64("member", it.memberID),
			logx.Err(err))
		return
	}
	s.sent.Add(1)
}

func (s *Service) enqueue(it item) {
	select {
	case s.queue <- it:
	default:
		s.dropped.Add(1)
		s.log.Warn("notice dropped (queue full)", logx.String("title", it.notice.Title))
	}
}

// Channel queues a notice for a channel.
func (s *Service) Channel(ch platform.ChannelRef, n platform.Notice) {
	if ch.IsZero() {
		return
	}
	s.enqueue(item{channel: ch, notice: n})
}

// Member queues a direct notice for a member.
func (s *Service) Member(memberID int64, n platform.Notice) {
	if memberID == 0 {
		return
	}
	s.enqueue(item{memberID: memberID, notice: n})
}

// Operator queues a notice for the operator channel.
func (s *Service) Operator(n platform.Notice) {
	s.Channel(s.cfg.Operator, n)
}

func (s *Service) Stats() Stats {
	return Stats{Sent: s.sent.Load(), Failed: s.failed.Load(), Dropped: s.dropped.Load()}
}
