package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"example.com/timelinesync/internal/backend"
	appkafka "example.com/timelinesync/internal/broker"
	"example.com/timelinesync/internal/graph"
	"example.com/timelinesync/internal/models"
	"example.com/timelinesync/internal/pagination"
	"example.com/timelinesync/internal/store"
	"example.com/timelinesync/internal/timeline"
	"github.com/segmentio/kafka-go"
)

//
// --- Helpers ---
//

type fakeReplayer struct {
	mu     sync.Mutex
	events []models.FeedChangedEvent
	err    error
}

func (f *fakeReplayer) Replay(ctx context.Context, ev models.FeedChangedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return f.err
}

func (f *fakeReplayer) Events() []models.FeedChangedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.FeedChangedEvent(nil), f.events...)
}

// pageAdapter serves one fixed page of statuses.
type pageAdapter struct {
	statuses []backend.RemoteStatus
}

func (a *pageAdapter) Backend() models.Backend                   { return models.BackendMastodon }
func (a *pageAdapter) LookupBatchLimit() int                     { return 20 }
func (a *pageAdapter) NeedsLookup(kind models.TimelineKind) bool { return false }

func (a *pageAdapter) FetchTimeline(ctx context.Context, req backend.Request) (backend.Page, error) {
	return backend.Page{Statuses: a.statuses, HasMore: true}, nil
}

func (a *pageAdapter) LookupStatuses(ctx context.Context, account models.AccountKey, ids []string) ([]backend.RemoteStatus, error) {
	return nil, nil
}

// process is one orchestrator over the shared persister, publishing to bus.
func process(shared graph.Persister, a backend.Adapter, bus *appkafka.MockKafka) (*timeline.Orchestrator, *graph.Store) {
	reg := backend.NewRegistry(nil)
	reg.Register(acct.Domain, a)
	g := graph.New(shared)
	return timeline.New(timeline.Deps{Graph: g, Backends: reg, Publisher: appkafka.NewPublisher(bus)}, timeline.Config{PageLimit: 20}), g
}

func feedEvent(t *testing.T, ev models.FeedChangedEvent) kafka.Message {
	t.Helper()
	bus := &appkafka.MockKafka{}
	if err := appkafka.NewPublisher(bus).PublishFeedChanged(context.Background(), ev); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	return bus.Written()[0]
}

//
// --- Tests ---
//

func TestFollower_SkipsBadEvents(t *testing.T) {
	r := &fakeReplayer{}
	reader := &appkafka.MockKafka{ReadMessages: []kafka.Message{
		{Value: []byte("{invalid-json}")},
		{Value: nil},
		feedEvent(t, models.FeedChangedEvent{EventID: "e1", Account: acct.String(), Kind: models.KindHome}),
	}}
	f := NewFollower(r, reader)

	for i := 0; i < 3; i++ {
		if err := f.step(context.Background()); err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
	}
	if got := r.Events(); len(got) != 1 || got[0].EventID != "e1" {
		t.Fatalf("expected only the valid event replayed, got %+v", got)
	}
	if err := f.step(context.Background()); err == nil {
		t.Fatalf("expected read error on an empty topic")
	}
}

func TestFollower_ReplayErrorDoesNotStopStream(t *testing.T) {
	r := &fakeReplayer{err: errors.New("boom")}
	reader := &appkafka.MockKafka{ReadMessages: []kafka.Message{
		feedEvent(t, models.FeedChangedEvent{EventID: "e1", Account: acct.String()}),
		feedEvent(t, models.FeedChangedEvent{EventID: "e2", Account: acct.String()}),
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	NewFollower(r, reader).Run(ctx)

	if n := len(r.Events()); n != 2 {
		t.Fatalf("expected both events replayed, got %d", n)
	}
}

// A cycle run by the worker shows up in the server's graph, and an async
// oldest load is continued by the server from the worker's outcome.
func TestFollower_KeepsServerGraphCurrent(t *testing.T) {
	shared := store.NewMock()
	bus := &appkafka.MockKafka{}
	a := &pageAdapter{statuses: []backend.RemoteStatus{
		{PlatformID: "110", CreatedAt: time.Now().Add(-time.Hour), Author: &backend.RemoteAuthor{PlatformID: "7"}},
		{PlatformID: "109", CreatedAt: time.Now().Add(-2 * time.Hour), Author: &backend.RemoteAuthor{PlatformID: "7"}},
	}}
	workerOrch, _ := process(shared, a, bus)
	serverOrch, serverGraph := process(shared, a, &appkafka.MockKafka{})
	home := models.FeedKey{Account: acct, Kind: models.KindHome}
	ctx := context.Background()

	if _, err := workerOrch.LoadOldest(ctx, home); err != nil {
		t.Fatalf("worker cycle failed: %v", err)
	}

	f := NewFollower(serverOrch, &appkafka.MockKafka{ReadMessages: bus.Written()})
	if err := f.step(ctx); err != nil {
		t.Fatalf("step failed: %v", err)
	}

	if _, _, entries := serverGraph.Counts(); entries != 2 {
		t.Fatalf("expected the worker's entries on the server, got %d", entries)
	}
	fr, ok := serverGraph.Frontier(home)
	if !ok || fr.StatusPlatformID != "109" {
		t.Fatalf("frontier not replicated: %+v", fr)
	}
	if serverOrch.State(home) != pagination.Idle {
		t.Fatalf("expected idle adopted from the worker, got %s", serverOrch.State(home))
	}
	// the server can now continue with the same frontier
	if _, err := serverOrch.LoadMore(ctx, home, "109"); err != nil {
		t.Fatalf("LoadMore on replicated frontier failed: %v", err)
	}
}

func TestFollower_PartialEventReloads(t *testing.T) {
	shared := store.NewMock()
	bus := &appkafka.MockKafka{}
	a := &pageAdapter{statuses: []backend.RemoteStatus{
		{PlatformID: "110", CreatedAt: time.Now(), Author: &backend.RemoteAuthor{PlatformID: "7"}},
	}}
	workerOrch, _ := process(shared, a, bus)
	serverOrch, serverGraph := process(shared, a, &appkafka.MockKafka{})
	ctx := context.Background()

	if _, err := workerOrch.LoadLatest(ctx, models.FeedKey{Account: acct, Kind: models.KindHome}); err != nil {
		t.Fatalf("worker cycle failed: %v", err)
	}
	ev, err := appkafka.DecodeFeedChanged(bus.Written()[0].Value)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	ev.Changes, ev.Partial = nil, true

	if err := NewFollower(serverOrch, &appkafka.MockKafka{ReadMessages: []kafka.Message{feedEvent(t, ev)}}).step(ctx); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if _, ok := serverGraph.StatusByPlatformID(models.BackendMastodon, "110"); !ok {
		t.Fatalf("partial event should reload the graph from the store")
	}
}
