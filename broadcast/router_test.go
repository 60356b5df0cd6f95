package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starforge/realmcore/logging"
	"github.com/starforge/realmcore/session"
)

// fakeDeliverer records deliveries and fails for a configured set of
// connection ids.
type fakeDeliverer struct {
	mu        sync.Mutex
	delivered map[string]int
	failFor   map[string]bool
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{delivered: make(map[string]int), failFor: make(map[string]bool)}
}

func (f *fakeDeliverer) Deliver(ctx context.Context, connectionID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[connectionID] {
		return errors.New("delivery failed")
	}
	f.delivered[connectionID]++
	return nil
}

func (f *fakeDeliverer) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delivered[id]
}

func newTestRouter(t *testing.T) (*Router, *session.Registry, *fakeDeliverer) {
	t.Helper()
	logger := logging.NewContextLogger(logging.New(logging.DefaultConfig("test")), nil)
	reg, err := session.New(session.DefaultConfig(), logger)
	require.NoError(t, err)
	deliverer := newFakeDeliverer()
	router, err := New(reg, deliverer, DefaultConfig(), logger)
	require.NoError(t, err)
	return router, reg, deliverer
}

func TestRouteUnicastDeliversToOnlineTargetsOnly(t *testing.T) {
	router, reg, deliverer := newTestRouter(t)
	ctx := context.Background()

	_, err := reg.Register("c1", "p1", nil)
	require.NoError(t, err)

	res := router.Route(ctx, RoutedMessage{ID: "m1", Kind: Unicast, TargetIDs: []string{"c1", "offline"}, Payload: []byte("x")})
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, deliverer.count("c1"))
}

func TestRouteRejectsPastDeadline(t *testing.T) {
	router, _, _ := newTestRouter(t)
	ctx := context.Background()

	res := router.Route(ctx, RoutedMessage{ID: "m1", Kind: Broadcast, Deadline: time.Now().Add(-time.Second)})
	assert.True(t, res.Rejected)
	assert.Equal(t, 1, res.Failed)
}

func TestRouteRejectsWhenHopsExhausted(t *testing.T) {
	router, _, _ := newTestRouter(t)
	ctx := context.Background()

	res := router.Route(ctx, RoutedMessage{ID: "m1", Kind: Broadcast, MaxHops: 3, CurrentHops: 3})
	assert.True(t, res.Rejected)
}

// S5 Broadcast exclusion and ack tracking. Three sessions r1, r2 and r3 join
// room "room-1"; r2 is excluded and r3 fails delivery. require-ack is set, and
// acks are recorded for every attempted delivery (success or failure), so r1
// and r3 each produce an ack while r2, excluded before selection, produces
// none.
func TestRouteRoomBroadcastWithExclusionAndAcks(t *testing.T) {
	router, reg, deliverer := newTestRouter(t)
	ctx := context.Background()

	_, err := reg.Register("r1", "p1", map[string]string{"room": "room-1"})
	require.NoError(t, err)
	_, err = reg.Register("r2", "p2", map[string]string{"room": "room-1"})
	require.NoError(t, err)
	_, err = reg.Register("r3", "p3", map[string]string{"room": "room-1"})
	require.NoError(t, err)
	deliverer.failFor["r3"] = true

	res := router.Route(ctx, RoutedMessage{
		ID:         "msg-s5",
		Kind:       Room,
		TargetIDs:  []string{"room-1"},
		ExcludeIDs: []string{"r2"},
		RequireAck: true,
		Payload:    []byte("hello room"),
	})

	assert.Equal(t, 1, deliverer.count("r1"))
	assert.Equal(t, 0, deliverer.count("r2"))
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Failed)
	assert.Len(t, res.Acks, 2)

	var sawSuccess, sawFailed bool
	for _, ack := range res.Acks {
		assert.Equal(t, "msg-s5", ack.MessageID)
		if ack.Status == AckSuccess {
			sawSuccess = true
			assert.Equal(t, "r1", ack.ReceiverID)
		}
		if ack.Status == AckFailed {
			sawFailed = true
			assert.Equal(t, "r3", ack.ReceiverID)
		}
	}
	assert.True(t, sawSuccess)
	assert.True(t, sawFailed)
}

func TestRouteBroadcastExcludesGivenIDs(t *testing.T) {
	router, reg, deliverer := newTestRouter(t)
	ctx := context.Background()

	_, err := reg.Register("a", "p1", nil)
	require.NoError(t, err)
	_, err = reg.Register("b", "p2", nil)
	require.NoError(t, err)

	res := router.Route(ctx, RoutedMessage{ID: "m1", Kind: Broadcast, ExcludeIDs: []string{"b"}})
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, deliverer.count("a"))
	assert.Equal(t, 0, deliverer.count("b"))
}

func TestRouteBatchOrdersByPriorityWithinKindGroup(t *testing.T) {
	router, reg, _ := newTestRouter(t)
	ctx := context.Background()
	_, err := reg.Register("c1", "p1", nil)
	require.NoError(t, err)

	msgs := []RoutedMessage{
		{ID: "low", Kind: Unicast, TargetIDs: []string{"c1"}, Priority: 1},
		{ID: "high", Kind: Unicast, TargetIDs: []string{"c1"}, Priority: 10},
	}

	// RouteBatch reorders a kind group by descending priority before
	// dispatch; results are indexed by that reordered position, so this
	// holds regardless of which goroutine happens to finish first.
	results := router.RouteBatch(ctx, msgs)
	require.Len(t, results, 2)
	assert.Equal(t, "high", results[0].MessageID)
	assert.Equal(t, "low", results[1].MessageID)
}

func TestCleanupStaleReceiversRemovesOldOfflineRecords(t *testing.T) {
	router, reg, _ := newTestRouter(t)
	ctx := context.Background()
	_, err := reg.Register("c1", "p1", nil)
	require.NoError(t, err)

	router.Route(ctx, RoutedMessage{ID: "m1", Kind: Unicast, TargetIDs: []string{"c1"}})
	router.MarkReceiverOffline("c1")

	router.mu.Lock()
	rec := router.receivers["c1"]
	rec.registeredAt = time.Now().Add(-2 * router.cfg.StaleReceiverMaxAge)
	router.receivers["c1"] = rec
	router.mu.Unlock()

	n := router.CleanupStaleReceivers()
	assert.Equal(t, 1, n)
}

func TestStatsTracksProcessedAndLatency(t *testing.T) {
	router, reg, _ := newTestRouter(t)
	ctx := context.Background()
	_, err := reg.Register("c1", "p1", nil)
	require.NoError(t, err)

	router.Route(ctx, RoutedMessage{ID: "m1", Kind: Unicast, TargetIDs: []string{"c1"}})
	stats := router.Stats()
	assert.Equal(t, int64(1), stats.TotalProcessed)
	assert.Equal(t, int64(1), stats.Success)
	assert.Equal(t, int64(1), stats.ByKind[Unicast])
}
