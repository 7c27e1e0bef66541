package notify

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deepscout/research-coordinator/internal/coordinator"
	"github.com/deepscout/research-coordinator/internal/storage/memory"
)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type recordingNotifier struct {
	mu   sync.Mutex
	sent []coordinator.Notification
}

func (n *recordingNotifier) Name() string { return "recording" }

func (n *recordingNotifier) Send(_ context.Context, notification coordinator.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func (n *recordingNotifier) last() coordinator.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[len(n.sent)-1]
}

func pendingItem(id, domain string, priority coordinator.Priority) coordinator.InterventionItem {
	now := time.Now().UTC()
	return coordinator.InterventionItem{
		ID:        id,
		TaskID:    "task-1",
		Domain:    domain,
		Challenge: coordinator.ChallengeCaptcha,
		Priority:  priority,
		Status:    coordinator.InterventionPending,
		QueuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}
}

func newTestCoalescer(t *testing.T, delay time.Duration) (*Coalescer, *memory.InterventionStore, *recordingNotifier) {
	t.Helper()
	store := memory.NewInterventionStore()
	notifier := &recordingNotifier{}
	c := NewCoalescer(Config{Delay: delay}, store, notifier, systemClock{}, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c, store, notifier
}

func TestBurstProducesOneNotification(t *testing.T) {
	t.Parallel()
	c, store, notifier := newTestCoalescer(t, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, pendingItem("item-1", "news.example", coordinator.PriorityMedium)))
	require.NoError(t, store.Insert(ctx, pendingItem("item-2", "news.example", coordinator.PriorityMedium)))
	require.NoError(t, store.Insert(ctx, pendingItem("item-3", "other.example", coordinator.PriorityMedium)))

	for i := 0; i < 3; i++ {
		c.ItemQueued("news.example")
	}

	require.Eventually(t, func() bool { return notifier.count() == 1 },
		time.Second, 5*time.Millisecond)

	n := notifier.last()
	require.Contains(t, n.Title, "3 challenge(s)")
	require.Contains(t, n.Title, "2 domain(s)")

	// No trailing timer fires a second notification for the same burst.
	time.Sleep(120 * time.Millisecond)
	require.Equal(t, 1, notifier.count())
}

func TestQueueEmptyFlushesImmediately(t *testing.T) {
	t.Parallel()
	c, store, notifier := newTestCoalescer(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, pendingItem("item-1", "news.example", coordinator.PriorityMedium)))
	c.ItemQueued("news.example")
	c.QueueEmpty()

	require.Eventually(t, func() bool { return notifier.count() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestNothingPendingSendsNothing(t *testing.T) {
	t.Parallel()
	c, _, notifier := newTestCoalescer(t, 20*time.Millisecond)

	// The store was drained before the timer fired; the flush re-reads the
	// store and finds nothing to report.
	c.ItemQueued("news.example")
	time.Sleep(100 * time.Millisecond)
	require.Zero(t, notifier.count())
}

func TestCloseFlushesInProgressBurst(t *testing.T) {
	t.Parallel()
	store := memory.NewInterventionStore()
	notifier := &recordingNotifier{}
	c := NewCoalescer(Config{Delay: time.Hour}, store, notifier, systemClock{}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, pendingItem("item-1", "news.example", coordinator.PriorityHigh)))
	c.ItemQueued("news.example")

	closeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, c.Close(closeCtx))
	require.Equal(t, 1, notifier.count())

	// Close is idempotent.
	require.NoError(t, c.Close(closeCtx))
}

func TestSeparateBurstsNotifySeparately(t *testing.T) {
	t.Parallel()
	c, store, notifier := newTestCoalescer(t, 30*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, pendingItem("item-1", "news.example", coordinator.PriorityMedium)))
	c.ItemQueued("news.example")
	require.Eventually(t, func() bool { return notifier.count() == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, store.Insert(ctx, pendingItem("item-2", "news.example", coordinator.PriorityMedium)))
	c.ItemQueued("news.example")
	require.Eventually(t, func() bool { return notifier.count() == 2 },
		time.Second, 5*time.Millisecond)
}

func TestComposeNotificationSummarizesByDomain(t *testing.T) {
	t.Parallel()
	queuedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	items := []coordinator.InterventionItem{
		{Domain: "a.example", Challenge: coordinator.ChallengeCaptcha, Priority: coordinator.PriorityMedium},
		{Domain: "b.example", Challenge: coordinator.ChallengeCloudflare, Priority: coordinator.PriorityHigh},
		{Domain: "b.example", Challenge: coordinator.ChallengeCaptcha, Priority: coordinator.PriorityMedium},
	}

	n := composeNotification(items, queuedAt)
	require.Equal(t, "Manual action needed: 3 challenge(s) across 2 domain(s)", n.Title)
	require.Equal(t, "high", n.Urgency)
	// Domains with high-priority items lead the body.
	require.Contains(t, n.Body, "b.example: 2 item(s) [captcha, cloudflare]")
	require.Contains(t, n.Body, "a.example: 1 item(s) [captcha]")
	require.Contains(t, n.Body, "waiting since 2024-05-01T12:00:00Z")
	require.Less(t, strings.Index(n.Body, "b.example"), strings.Index(n.Body, "a.example"))
}

func TestComposeNotificationNormalUrgency(t *testing.T) {
	t.Parallel()
	items := []coordinator.InterventionItem{
		{Domain: "a.example", Challenge: coordinator.ChallengeLoginRequired, Priority: coordinator.PriorityLow},
	}
	n := composeNotification(items, time.Time{})
	require.Equal(t, "normal", n.Urgency)
	require.NotContains(t, n.Body, "waiting since")
}
