// Package notify coalesces intervention arrivals into batched operator
// notifications.
package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deepscout/research-coordinator/internal/coordinator"
	"github.com/deepscout/research-coordinator/internal/metrics"
)

// Config controls burst coalescing for the Coalescer.
//   - Delay: how long after the first arrival to wait before notifying
//     (default 30s). Later arrivals inside the window ride the same burst.
//   - SignalBuffer: size of the internal signal channel (default 256).
//   - SendTimeout: per-notification timeout (default 10s).
type Config struct {
	Delay        time.Duration
	SignalBuffer int
	SendTimeout  time.Duration
}

const (
	defaultDelay        = 30 * time.Second
	defaultSignalBuffer = 256
	defaultSendTimeout  = 10 * time.Second
)

type signalKind int

const (
	signalItemQueued signalKind = iota
	signalQueueEmpty
)

// Coalescer batches intervention arrivals so a burst of challenges produces
// exactly one human-facing notification. Signals never block callers;
// delivery is best-effort and failures are logged and swallowed.
type Coalescer struct {
	cfg      Config
	store    coordinator.InterventionStore
	notifier coordinator.Notifier
	clock    coordinator.Clock
	logger   *zap.Logger

	signals chan signalKind
	stopCh  chan struct{}
	doneCh  chan struct{}

	closeOnce sync.Once
}

// NewCoalescer initializes a Coalescer and starts its background loop.
func NewCoalescer(
	cfg Config,
	store coordinator.InterventionStore,
	notifier coordinator.Notifier,
	clock coordinator.Clock,
	logger *zap.Logger,
) *Coalescer {
	if cfg.Delay <= 0 {
		cfg.Delay = defaultDelay
	}
	if cfg.SignalBuffer <= 0 {
		cfg.SignalBuffer = defaultSignalBuffer
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	c := &Coalescer{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		clock:    clock,
		logger:   logger,
		signals:  make(chan signalKind, cfg.SignalBuffer),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go c.run()
	return c
}

// ItemQueued signals one new pending intervention item. The first arrival of
// a burst starts the delay timer; the rest ride along. Never blocks.
func (c *Coalescer) ItemQueued(string) {
	c.send(signalItemQueued)
}

// QueueEmpty signals that no upstream work can proceed without human action,
// flushing the current burst immediately. Never blocks.
func (c *Coalescer) QueueEmpty() {
	c.send(signalQueueEmpty)
}

func (c *Coalescer) send(kind signalKind) {
	if c == nil {
		return
	}
	select {
	case c.signals <- kind:
	case <-c.stopCh:
	default:
		// A full buffer means a burst is already pending; dropping the
		// signal loses nothing because the flush re-reads the store.
	}
}

// Close flushes any in-progress burst and stops the background loop.
func (c *Coalescer) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		close(c.stopCh)
	})
	select {
	case <-c.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("coalescer close wait: %w", ctx.Err())
	}
}

func (c *Coalescer) run() {
	defer close(c.doneCh)

	timer := time.NewTimer(c.cfg.Delay)
	timer.Stop()
	timerActive := false
	burstActive := false
	notified := false
	var firstPendingAt time.Time

	flush := func() {
		c.stopTimer(timer, &timerActive)
		if burstActive && !notified {
			c.notifyPending(firstPendingAt)
			notified = true
		}
		// Burst over; the next arrival starts a fresh one.
		burstActive = false
	}

	for {
		select {
		case kind := <-c.signals:
			switch kind {
			case signalItemQueued:
				if !burstActive {
					burstActive = true
					notified = false
					firstPendingAt = c.clock.Now()
					c.resetTimer(timer, &timerActive)
				}
			case signalQueueEmpty:
				flush()
			}
		case <-timer.C:
			timerActive = false
			flush()
		case <-c.stopCh:
			flush()
			return
		}
	}
}

func (c *Coalescer) resetTimer(timer *time.Timer, active *bool) {
	if *active {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	timer.Reset(c.cfg.Delay)
	*active = true
}

func (c *Coalescer) stopTimer(timer *time.Timer, active *bool) {
	if !*active {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*active = false
}

// notifyPending composes and sends one summary of everything pending. All
// failures are logged and swallowed; notification delivery must never fail
// the pipeline.
func (c *Coalescer) notifyPending(firstPendingAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SendTimeout)
	defer cancel()

	items, err := c.store.ListPending(ctx, coordinator.InterventionFilter{})
	if err != nil {
		c.logger.Warn("coalescer pending fetch failed", zap.Error(err))
		return
	}
	if len(items) == 0 {
		return
	}

	n := composeNotification(items, firstPendingAt)
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Send(ctx, n); err != nil {
		metrics.ObserveNotification(c.notifier.Name(), "error")
		c.logger.Warn("notification send failed",
			zap.String("sink", c.notifier.Name()),
			zap.Error(err),
		)
		return
	}
	metrics.ObserveNotification(c.notifier.Name(), "ok")
	c.logger.Info("operator notified",
		zap.String("sink", c.notifier.Name()),
		zap.Int("pending", len(items)),
	)
}

func composeNotification(items []coordinator.InterventionItem, firstPendingAt time.Time) coordinator.Notification {
	type domainLine struct {
		domain     string
		count      int
		high       int
		challenges map[coordinator.ChallengeType]struct{}
	}
	byDomain := make(map[string]*domainLine)
	for _, item := range items {
		line, ok := byDomain[item.Domain]
		if !ok {
			line = &domainLine{domain: item.Domain, challenges: make(map[coordinator.ChallengeType]struct{})}
			byDomain[item.Domain] = line
		}
		line.count++
		if item.Priority == coordinator.PriorityHigh {
			line.high++
		}
		line.challenges[item.Challenge] = struct{}{}
	}

	lines := make([]*domainLine, 0, len(byDomain))
	for _, line := range byDomain {
		lines = append(lines, line)
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].high != lines[j].high {
			return lines[i].high > lines[j].high
		}
		return lines[i].domain < lines[j].domain
	})

	var b strings.Builder
	urgency := "normal"
	for _, line := range lines {
		challenges := make([]string, 0, len(line.challenges))
		for ch := range line.challenges {
			challenges = append(challenges, string(ch))
		}
		sort.Strings(challenges)
		fmt.Fprintf(&b, "%s: %d item(s) [%s]\n", line.domain, line.count, strings.Join(challenges, ", "))
		if line.high > 0 {
			urgency = "high"
		}
	}
	if !firstPendingAt.IsZero() {
		fmt.Fprintf(&b, "waiting since %s\n", firstPendingAt.Format(time.RFC3339))
	}

	return coordinator.Notification{
		Title:   fmt.Sprintf("Manual action needed: %d challenge(s) across %d domain(s)", len(items), len(lines)),
		Body:    strings.TrimRight(b.String(), "\n"),
		Urgency: urgency,
	}
}
