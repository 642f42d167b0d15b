package relay_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/roach88/pricerelay/internal/platform"
	"github.com/roach88/pricerelay/internal/relay"
	"github.com/roach88/pricerelay/internal/resolve"
	"github.com/roach88/pricerelay/internal/rewrite"
	"github.com/roach88/pricerelay/internal/rules"
	"github.com/roach88/pricerelay/internal/store"
	"github.com/roach88/pricerelay/internal/testutil"
)

type fixture struct {
	engine *Harness
	store  *store.Store
	pub    *testutil.FakePublisher
	sched  *testutil.FakeScheduler
}

// Harness runs the engine loop in a goroutine and gives tests a way
// to wait for the queue to drain.
type Harness struct {
	*relay.Engine
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *Harness) Stop() {
	h.cancel()
	<-h.done
}

// Drain waits until all queued events have been consumed.
func (h *Harness) Drain(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.QueueLen() == 0 },
		2*time.Second, time.Millisecond)
	// One more tick so the in-flight event finishes processing.
	time.Sleep(5 * time.Millisecond)
}

func newFixture(t *testing.T, dests ...store.Destination) *fixture {
	t.Helper()

	st, err := store.Open(t.TempDir() + "/relay.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	for _, d := range dests {
		require.NoError(t, st.RegisterDestination(ctx, d))
	}

	g := rules.Default()
	rw, err := rewrite.New(g)
	require.NoError(t, err)

	pub := testutil.NewFakePublisher()
	sched := testutil.NewFakeScheduler()
	res := resolve.New(st, pub)

	eng := relay.New(st, rw, pub, res, g,
		relay.WithTimerFactory(sched.NewTimer),
		relay.WithSendRate(rate.Inf, 1),
	)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(runCtx)
	}()

	h := &Harness{Engine: eng, cancel: cancel, done: done}
	t.Cleanup(h.Stop)

	return &fixture{engine: h, store: st, pub: pub, sched: sched}
}

func dest(id int64, high, low float64) store.Destination {
	return store.Destination{ID: id, Title: "dest", HighOffset: high, LowOffset: low}
}

func photo(fileID string) *platform.MediaRef {
	return &platform.MediaRef{Kind: platform.MediaPhoto, FileID: fileID}
}

func TestSingleTextPost_RewrittenPerDestination(t *testing.T) {
	f := newFixture(t, dest(10, 200, 15), dest(20, 100, 5))

	f.engine.Enqueue(relay.Event{Type: relay.EventSourcePost, Post: &relay.SourcePost{
		MessageID:  1,
		SourceChat: -100,
		Caption:    "$30/ea grails",
	}})
	f.engine.Drain(t)

	a := f.pub.SentTo(10)
	require.Len(t, a, 1)
	assert.Equal(t, "$45/ea grails", a[0].Text)

	b := f.pub.SentTo(20)
	require.Len(t, b, 1)
	assert.Equal(t, "$35/ea grails", b[0].Text)
}

func TestSingleMediaPost_CopiedThenCaptionEdited(t *testing.T) {
	f := newFixture(t, dest(10, 200, 15))

	f.engine.Enqueue(relay.Event{Type: relay.EventSourcePost, Post: &relay.SourcePost{
		MessageID:  7,
		SourceChat: -100,
		Caption:    "975/ea",
		Media:      photo("f1"),
	}})
	f.engine.Drain(t)

	sent := f.pub.SentTo(10)
	require.Len(t, sent, 1)
	assert.Equal(t, "copy", sent[0].Kind)

	caption, ok := f.pub.Edited(sent[0].MessageIDs[0])
	require.True(t, ok)
	assert.Equal(t, "1175/ea", caption)
}

func TestSingleMediaPost_NoCaption_NoEdit(t *testing.T) {
	f := newFixture(t, dest(10, 200, 15))

	f.engine.Enqueue(relay.Event{Type: relay.EventSourcePost, Post: &relay.SourcePost{
		MessageID: 7, SourceChat: -100, Media: photo("f1"),
	}})
	f.engine.Drain(t)

	sent := f.pub.SentTo(10)
	require.Len(t, sent, 1)
	_, edited := f.pub.Edited(sent[0].MessageIDs[0])
	assert.False(t, edited)
}

func TestSingleTextPost_EmptyCaption_Skipped(t *testing.T) {
	f := newFixture(t, dest(10, 200, 15))

	f.engine.Enqueue(relay.Event{Type: relay.EventSourcePost, Post: &relay.SourcePost{
		MessageID: 7, SourceChat: -100,
	}})
	f.engine.Drain(t)

	assert.Empty(t, f.pub.SentTo(10))
}

func TestAlbum_AssembledAndSentAsGroup(t *testing.T) {
	f := newFixture(t, dest(10, 200, 15))

	for i, caption := range []string{"", "$30/ea fresh batch", ""} {
		f.engine.Enqueue(relay.Event{Type: relay.EventSourcePost, Post: &relay.SourcePost{
			MessageID:  100 + i,
			SourceChat: -100,
			GroupID:    "g1",
			Caption:    caption,
			Media:      photo("f" + string(rune('a'+i))),
		}})
	}
	f.engine.Drain(t)
	assert.Empty(t, f.pub.SentTo(10), "nothing emitted before quiet period elapses")

	f.sched.Advance(time.Second)
	f.engine.Drain(t)

	sent := f.pub.SentTo(10)
	require.Len(t, sent, 1)
	assert.Equal(t, "group", sent[0].Kind)
	require.Len(t, sent[0].GroupItems, 3)
	assert.Equal(t, "$45/ea fresh batch", sent[0].GroupItems[0].Caption)
	assert.Empty(t, sent[0].GroupItems[1].Caption)
	assert.Empty(t, sent[0].GroupItems[2].Caption)
}

func TestAlbum_CaptionRecordedForRetraction(t *testing.T) {
	f := newFixture(t, dest(10, 200, 15))

	f.engine.Enqueue(relay.Event{Type: relay.EventSourcePost, Post: &relay.SourcePost{
		MessageID: 1, SourceChat: -100, GroupID: "g1",
		Caption: "cherry grails $30/ea", Media: photo("fa"),
	}})
	f.engine.Drain(t)
	f.sched.Advance(time.Second)
	f.engine.Drain(t)

	rec, err := f.store.FindLatestMatching(context.Background(), 10, "cherry grails", false)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, f.pub.SentTo(10)[0].MessageIDs, rec.ItemIDs)
}

func TestTrigger_DeletesMatchedAlbumEverywhere(t *testing.T) {
	f := newFixture(t, dest(10, 200, 15), dest(20, 100, 5))

	post := func(id int, group string) {
		f.engine.Enqueue(relay.Event{Type: relay.EventSourcePost, Post: &relay.SourcePost{
			MessageID: id, SourceChat: -100, GroupID: group,
			Caption: "cherry grails $30/ea", Media: photo("fa"),
		}})
	}
	post(1, "g1")
	f.engine.Drain(t)
	f.sched.Advance(time.Second)
	f.engine.Drain(t)
	require.Len(t, f.pub.SentTo(10), 1)
	require.Len(t, f.pub.SentTo(20), 1)

	f.engine.Enqueue(relay.Event{Type: relay.EventTrigger, Trigger: &relay.Trigger{
		Text: "cherry grails sold out",
	}})
	f.engine.Drain(t)

	assert.Equal(t, f.pub.SentTo(10)[0].MessageIDs, f.pub.Deleted(10))
	assert.Equal(t, f.pub.SentTo(20)[0].MessageIDs, f.pub.Deleted(20))
}

func TestTrigger_KeywordAbsent_Ignored(t *testing.T) {
	f := newFixture(t, dest(10, 200, 15))

	f.engine.Enqueue(relay.Event{Type: relay.EventTrigger, Trigger: &relay.Trigger{
		Text: "still available",
	}})
	f.engine.Drain(t)

	assert.Empty(t, f.pub.Deleted(10))
}

func TestBroadcast_ExactSentVerbatim(t *testing.T) {
	f := newFixture(t, dest(10, 200, 15))

	f.engine.Enqueue(relay.Event{Type: relay.EventBroadcast, Broadcast: &relay.Broadcast{
		Text: "restock at $30/ea tomorrow", Exact: true,
	}})
	f.engine.Drain(t)

	sent := f.pub.SentTo(10)
	require.Len(t, sent, 1)
	assert.Equal(t, "restock at $30/ea tomorrow", sent[0].Text)
}

func TestBroadcast_RewrittenPerDestination(t *testing.T) {
	f := newFixture(t, dest(10, 200, 15), dest(20, 100, 5))

	f.engine.Enqueue(relay.Event{Type: relay.EventBroadcast, Broadcast: &relay.Broadcast{
		Text: "new drop $30/ea",
	}})
	f.engine.Drain(t)

	require.Len(t, f.pub.SentTo(10), 1)
	assert.Equal(t, "new drop $45/ea", f.pub.SentTo(10)[0].Text)
	require.Len(t, f.pub.SentTo(20), 1)
	assert.Equal(t, "new drop $35/ea", f.pub.SentTo(20)[0].Text)
}

func TestBroadcast_ExactWithLink_Rejected(t *testing.T) {
	assert.True(t, relay.ContainsLink("see https://example.com/x"))
	assert.True(t, relay.ContainsLink("join t.me/somechan"))
	assert.True(t, relay.ContainsLink("WWW.shady.biz deals"))
	assert.False(t, relay.ContainsLink("plain text $30/ea"))

	f := newFixture(t, dest(10, 200, 15))
	f.engine.Enqueue(relay.Event{Type: relay.EventBroadcast, Broadcast: &relay.Broadcast{
		Text: "buy at https://example.com", Exact: true,
	}})
	f.engine.Drain(t)

	assert.Empty(t, f.pub.SentTo(10))
}

func TestDestinationFailure_Isolated(t *testing.T) {
	f := newFixture(t, dest(10, 200, 15), dest(20, 200, 15))
	f.pub.FailFor[10] = platform.ErrTransient

	f.engine.Enqueue(relay.Event{Type: relay.EventSourcePost, Post: &relay.SourcePost{
		MessageID: 1, SourceChat: -100, Caption: "$30/ea",
	}})
	f.engine.Drain(t)

	assert.Empty(t, f.pub.SentTo(10))
	require.Len(t, f.pub.SentTo(20), 1)
}

func TestEnqueue_FalseAfterStop(t *testing.T) {
	f := newFixture(t)
	f.engine.Stop()

	ok := f.engine.Enqueue(relay.Event{Type: relay.EventBroadcast,
		Broadcast: &relay.Broadcast{Text: "late"}})
	assert.False(t, ok)
}
