package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/austindbirch/poolwatch/internal/activity"
	"github.com/austindbirch/poolwatch/internal/chain"
	"github.com/austindbirch/poolwatch/internal/delivery"
	"github.com/austindbirch/poolwatch/internal/logging"
	"github.com/austindbirch/poolwatch/internal/queue"
	"github.com/austindbirch/poolwatch/internal/trigger"
)

const (
	pool     = "0xc2bc2320D22D47D1e197E99D4a5dD3261ccf4A68"
	stranger = "0x1111111111111111111111111111111111111111"
)

type fakeChain struct {
	mu    sync.Mutex
	md    chain.Metadata
	err   error
	calls []string
}

func (f *fakeChain) Metadata(_ context.Context, tokenID *big.Int) (chain.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, tokenID.String())
	return f.md, f.err
}

func (f *fakeChain) ResolveURL(uri string) string {
	return strings.Replace(uri, "ipfs://", "https://gw.example/ipfs/", 1)
}

type fakeCommentary struct {
	mu       sync.Mutex
	fail     atomic.Bool
	contexts []string
}

func (f *fakeCommentary) Generate(_ context.Context, _ any, txContext string) (activity.Commentary, error) {
	f.mu.Lock()
	f.contexts = append(f.contexts, txContext)
	f.mu.Unlock()
	if f.fail.Load() {
		return activity.Commentary{}, errors.New("attempts exhausted")
	}
	return activity.Commentary{Title: "Sir Sheet", Comment: "Off for a swim."}, nil
}

type discord struct {
	srv    *httptest.Server
	mu     sync.Mutex
	posts  []delivery.Payload
	status atomic.Int32
}

func newDiscord(t *testing.T) *discord {
	t.Helper()
	d := &discord{}
	d.status.Store(http.StatusNoContent)
	d.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		var p delivery.Payload
		_ = json.Unmarshal(b, &p)
		d.mu.Lock()
		d.posts = append(d.posts, p)
		d.mu.Unlock()
		w.WriteHeader(int(d.status.Load()))
	}))
	t.Cleanup(d.srv.Close)
	return d
}

func (d *discord) Posts() []delivery.Payload {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]delivery.Payload(nil), d.posts...)
}

type harness struct {
	store      *queue.MemoryStore
	local      *trigger.Local
	q          *queue.Queue
	chain      *fakeChain
	commentary *fakeCommentary
	discord    *discord
	sweeper    *Sweeper
	now        time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:      queue.NewMemoryStore(),
		local:      trigger.NewLocal(),
		chain:      &fakeChain{md: chain.Metadata{"name": "Sheet #26", "image": "ipfs://QmImg"}},
		commentary: &fakeCommentary{},
		discord:    newDiscord(t),
		now:        time.Date(2024, 3, 9, 16, 20, 0, 0, time.UTC),
	}
	h.q = queue.New(h.store, h.local)

	sender := delivery.NewSender(delivery.Config{
		WebhookURL:       h.discord.srv.URL,
		DefaultThumbnail: "https://thumb.example/logo.png",
		Timeout:          time.Second,
	}, h.discord.srv.Client())

	r := NewRunner(h.q, nil)
	r.Register(h.local,
		&Filter{Pool: pool},
		&Enricher{Pool: pool, ExplorerTxURL: "https://etherscan.io/tx/%s", Chain: h.chain, Commentary: h.commentary},
		&Deliverer{Sender: sender, Items: h.q, Now: func() time.Time { return h.now }},
	)
	h.sweeper = NewSweeper(h.q)
	return h
}

func (h *harness) settle(t *testing.T) {
	t.Helper()
	if errs := h.local.Wait(); len(errs) > 0 {
		t.Fatalf("handler errors: %v", errs)
	}
}

func (h *harness) ingest(t *testing.T, body string) {
	t.Helper()
	if _, err := h.q.Push(context.Background(), queue.RawActivity, json.RawMessage(body)); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	h.settle(t)
}

func (h *harness) sweep(t *testing.T) SweepReport {
	t.Helper()
	rep, err := h.sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	h.settle(t)
	return rep
}

func (h *harness) assertDepths(t *testing.T, raw, per, out int) {
	t.Helper()
	got := [3]int{h.store.Len(queue.RawActivity), h.store.Len(queue.PerActivity), h.store.Len(queue.OutboundMessage)}
	if want := [3]int{raw, per, out}; got != want {
		t.Errorf("queue depths (raw, per, outbound) = %v, want %v", got, want)
	}
}

func record(from, to, tokenHex, hash string) string {
	return `{"fromAddress":"` + from + `","toAddress":"` + to + `","erc721TokenId":"` + tokenHex + `","hash":"` + hash + `","category":"erc721"}`
}

func TestPipelineSingleDeposit(t *testing.T) {
	h := newHarness(t)

	h.ingest(t, `{"webhookId":"wh_1","type":"NFT_ACTIVITY","event":{"network":"ETH_MAINNET","activity":`+
		record(stranger, strings.ToLower(pool), "0x1a", "0xabc")+`}}`)

	posts := h.discord.Posts()
	if len(posts) != 1 {
		t.Fatalf("posts = %d, want 1", len(posts))
	}
	want := delivery.Payload{Embeds: []delivery.Embed{{
		Thumbnail:   &delivery.Image{URL: "https://thumb.example/logo.png"},
		Color:       4183118,
		Title:       "Sir Sheet",
		Image:       delivery.Image{URL: "https://gw.example/ipfs/QmImg"},
		Description: "Off for a swim.",
		Timestamp:   "2024-03-09T16:20:00Z",
		URL:         "https://etherscan.io/tx/0xabc",
		Fields: []activity.Field{
			{Name: "Action", Value: "Deposit", Inline: true},
			{Name: "ID", Value: "26", Inline: true},
		},
	}}}
	if diff := cmp.Diff(want, posts[0]); diff != "" {
		t.Errorf("posted payload mismatch (-want +got):\n%s", diff)
	}
	if got := h.commentary.contexts; len(got) != 1 || got[0] != "being deposited into the pool." {
		t.Errorf("commentary contexts = %v", got)
	}
	h.assertDepths(t, 0, 0, 0)
}

func TestPipelineBatchFiltersForeignTransfers(t *testing.T) {
	h := newHarness(t)

	h.ingest(t, `{"event":{"activity":[`+
		record(stranger, pool, "0x1", "0xa")+`,`+
		record(stranger, stranger, "0x2", "0xb")+`,`+
		record(strings.ToUpper(pool[2:]), stranger, "0x3", "0xc")+`,`+
		record(pool, stranger, "0x4", "0xd")+`]}}`)

	posts := h.discord.Posts()
	if len(posts) != 2 {
		t.Fatalf("posts = %d, want 2", len(posts))
	}
	actions := map[string]string{}
	for _, p := range posts {
		f := p.Embeds[0].Fields
		actions[f[1].Value] = f[0].Value
	}
	if diff := cmp.Diff(map[string]string{"1": "Deposit", "4": "Withdraw"}, actions); diff != "" {
		t.Errorf("actions by token (-want +got):\n%s", diff)
	}
	h.assertDepths(t, 0, 0, 0)
}

func TestPipelineMissingImageFallsBackToExplorer(t *testing.T) {
	h := newHarness(t)
	h.chain.md = chain.Metadata{"name": "no image"}

	h.ingest(t, `{"event":{"activity":`+record(pool, stranger, "0xff", "0xfeed")+`}}`)

	posts := h.discord.Posts()
	if len(posts) != 1 {
		t.Fatalf("posts = %d, want 1", len(posts))
	}
	if got := posts[0].Embeds[0].Image.URL; got != "https://etherscan.io/tx/0xfeed" {
		t.Errorf("image url = %q", got)
	}
	if got := posts[0].Embeds[0].Fields[1].Value; got != "255" {
		t.Errorf("token id = %q, want 255", got)
	}
}

func TestPipelineOnlyDevPropagates(t *testing.T) {
	h := newHarness(t)
	h.commentary.fail.Store(true)

	h.ingest(t, `{"onlyDev":true,"event":{"activity":`+record(stranger, pool, "0x1", "0xa")+`}}`)

	items, _ := h.store.ReadAll(context.Background(), queue.PerActivity)
	if len(items) != 1 {
		t.Fatalf("PerActivity items = %d, want 1", len(items))
	}
	for _, item := range items {
		r, err := activity.ParseRecord(item)
		if err != nil {
			t.Fatal(err)
		}
		if !r.OnlyDev {
			t.Errorf("record onlyDev = false, want true: %s", item)
		}
	}
}

func TestPipelineMissingActivityStaysQueued(t *testing.T) {
	h := newHarness(t)

	h.ingest(t, `{"webhookId":"wh_1","event":{"network":"ETH_MAINNET"}}`)

	h.assertDepths(t, 1, 0, 0)
	if n := len(h.discord.Posts()); n != 0 {
		t.Errorf("posts = %d, want 0", n)
	}
}

func TestPipelineCommentaryFailureRecoveredBySweep(t *testing.T) {
	h := newHarness(t)
	h.commentary.fail.Store(true)

	h.ingest(t, `{"event":{"activity":`+record(stranger, pool, "0x1a", "0xabc")+`}}`)
	h.assertDepths(t, 0, 1, 0)

	h.commentary.fail.Store(false)
	rep := h.sweep(t)
	if rep.Requeued != 1 || rep.Dropped != 0 {
		t.Errorf("sweep report = %+v", rep)
	}

	if n := len(h.discord.Posts()); n != 1 {
		t.Fatalf("posts = %d, want 1", n)
	}
	h.assertDepths(t, 0, 0, 0)
}

func TestPipelineDeliveryFailureMarkedAndRetried(t *testing.T) {
	h := newHarness(t)
	h.discord.status.Store(http.StatusInternalServerError)

	h.ingest(t, `{"event":{"activity":`+record(stranger, pool, "0x1a", "0xabc")+`}}`)
	h.assertDepths(t, 0, 0, 1)

	items, _ := h.store.ReadAll(context.Background(), queue.OutboundMessage)
	for _, item := range items {
		m, err := activity.ParseMessage(item)
		if err != nil {
			t.Fatal(err)
		}
		if m.ErrorTimestamp != "2024-03-09T16:20:00Z" {
			t.Errorf("errorTimestamp = %q, want the embed timestamp", m.ErrorTimestamp)
		}
	}

	h.discord.status.Store(http.StatusNoContent)
	h.sweep(t)

	if n := len(h.discord.Posts()); n != 2 {
		t.Fatalf("posts = %d, want 2 (failed + retried)", n)
	}
	h.assertDepths(t, 0, 0, 0)
}

func TestSweepRetryCeiling(t *testing.T) {
	tests := []struct {
		name        string
		retryNumber string
		wantDropped bool
		wantNext    int
	}{
		{name: "absent becomes one", retryNumber: "", wantNext: 1},
		{name: "null becomes one", retryNumber: `,"retryNumber":null`, wantNext: 1},
		{name: "nine becomes ten", retryNumber: `,"retryNumber":9`, wantNext: 10},
		{name: "ten is dropped", retryNumber: `,"retryNumber":10`, wantDropped: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := queue.NewMemoryStore()
			q := queue.New(store, nil)
			dlq := &fakeDLQ{}
			s := NewSweeper(q, WithDeadLetters(dlq, "queue_dlq"))

			item := `{"title":"T","errorTimestamp":"2024-01-01T00:00:00Z"` + tt.retryNumber + `}`
			oldID, _ := q.Push(context.Background(), queue.OutboundMessage, json.RawMessage(item))

			rep, err := s.Run(context.Background())
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			items, _ := store.ReadAll(context.Background(), queue.OutboundMessage)
			if _, ok := items[oldID]; ok {
				t.Error("old item still present")
			}

			if tt.wantDropped {
				if rep.Dropped != 1 || len(items) != 0 {
					t.Errorf("report = %+v, items = %d; want dropped", rep, len(items))
				}
				if len(dlq.published) != 1 {
					t.Fatalf("dlq published = %d, want 1", len(dlq.published))
				}
				dl := dlq.published[0].(delivery.DeadLetter)
				if dl.RetryNumber != 11 || dl.Path != queue.OutboundMessage || dl.ID != oldID {
					t.Errorf("dead letter = %+v", dl)
				}
				return
			}

			if rep.Requeued != 1 || len(items) != 1 {
				t.Fatalf("report = %+v, items = %d; want requeued", rep, len(items))
			}
			for _, got := range items {
				var doc map[string]any
				_ = json.Unmarshal(got, &doc)
				if doc["retryNumber"] != float64(tt.wantNext) {
					t.Errorf("retryNumber = %v, want %d", doc["retryNumber"], tt.wantNext)
				}
				if _, ok := doc["errorTimestamp"]; ok {
					t.Error("errorTimestamp should be stripped on requeue")
				}
				if doc["title"] != "T" {
					t.Errorf("title = %v", doc["title"])
				}
			}
		})
	}
}

func TestSweepEleventhPassDrops(t *testing.T) {
	store := queue.NewMemoryStore()
	q := queue.New(store, nil)
	s := NewSweeper(q)
	_, _ = q.Push(context.Background(), queue.PerActivity, json.RawMessage(`{"hash":"0x1"}`))

	for i := 1; i <= 10; i++ {
		rep, _ := s.Run(context.Background())
		if rep.Requeued != 1 {
			t.Fatalf("pass %d: report = %+v, want requeue", i, rep)
		}
	}
	rep, _ := s.Run(context.Background())
	if rep.Dropped != 1 || store.Len(queue.PerActivity) != 0 {
		t.Errorf("pass 11: report = %+v, len = %d; want dropped", rep, store.Len(queue.PerActivity))
	}
}

func TestSweepLeavesRawActivityAlone(t *testing.T) {
	store := queue.NewMemoryStore()
	q := queue.New(store, nil)
	_, _ = q.Push(context.Background(), queue.RawActivity, json.RawMessage(`{}`))

	rep, err := NewSweeper(q).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep != (SweepReport{}) || store.Len(queue.RawActivity) != 1 {
		t.Errorf("report = %+v; RawActivity must not be swept", rep)
	}
}

func TestSweepAnnouncesRawActivity(t *testing.T) {
	store := queue.NewMemoryStore()
	var mu sync.Mutex
	var notified []string
	q := queue.New(store, queue.NotifierFunc(func(_ context.Context, path, id string) error {
		mu.Lock()
		defer mu.Unlock()
		notified = append(notified, path+"/"+id)
		return nil
	}))
	id, err := q.Push(context.Background(), queue.RawActivity, json.RawMessage(`{"event":{"activity":{}}}`))
	if err != nil {
		t.Fatal(err)
	}
	notified = nil

	rep, err := NewSweeper(q, WithAnnounce(queue.RawActivity)).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep != (SweepReport{Announced: 1}) {
		t.Errorf("report = %+v, want one announce", rep)
	}
	if diff := cmp.Diff([]string{queue.RawActivity + "/" + id}, notified); diff != "" {
		t.Errorf("notified mismatch (-want +got):\n%s", diff)
	}
	raw, _ := store.Get(context.Background(), queue.RawActivity, id)
	if string(raw) != `{"event":{"activity":{}}}` {
		t.Errorf("raw item changed: %s", raw)
	}
}

func TestSweepDropLoggedAtError(t *testing.T) {
	var buf bytes.Buffer
	prev := logging.SetOutput(&buf)
	defer logging.SetOutput(prev)

	q := queue.New(queue.NewMemoryStore(), nil)
	_, _ = q.Push(context.Background(), queue.OutboundMessage, json.RawMessage(`{"retryNumber":10}`))
	if _, err := NewSweeper(q).Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	var found bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var e logging.LogEntry
		if json.Unmarshal([]byte(line), &e) != nil || e.Message != "retry ceiling exceeded, item dropped" {
			continue
		}
		found = true
		if e.Level != logging.LevelError {
			t.Errorf("drop logged at %q, want %q", e.Level, logging.LevelError)
		}
	}
	if !found {
		t.Errorf("no drop log line in %s", buf.String())
	}
}

func TestSweepManyItemsConcurrently(t *testing.T) {
	store := queue.NewMemoryStore()
	q := queue.New(store, nil)
	for i := 0; i < 50; i++ {
		_, _ = q.Push(context.Background(), queue.PerActivity, json.RawMessage(`{"n":1}`))
		_, _ = q.Push(context.Background(), queue.OutboundMessage, json.RawMessage(`{"n":2}`))
	}

	rep, err := NewSweeper(q).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Requeued != 100 {
		t.Errorf("requeued = %d, want 100", rep.Requeued)
	}
	if store.Len(queue.PerActivity) != 50 || store.Len(queue.OutboundMessage) != 50 {
		t.Error("sweep changed the number of queued items")
	}
}

type fakeDLQ struct {
	mu        sync.Mutex
	published []any
}

func (f *fakeDLQ) Publish(_ string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, v)
	return nil
}

type flakyStore struct {
	*queue.MemoryStore
	getErr  error
	pushErr error
}

func (f *flakyStore) Get(ctx context.Context, path, id string) (json.RawMessage, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.MemoryStore.Get(ctx, path, id)
}

func (f *flakyStore) Push(ctx context.Context, path string, item json.RawMessage) (string, error) {
	if f.pushErr != nil && path != queue.RawActivity {
		return "", f.pushErr
	}
	return f.MemoryStore.Push(ctx, path, item)
}

type stubStage struct {
	res Result
	err error
}

func (s stubStage) Name() string   { return "stub" }
func (s stubStage) Source() string { return queue.RawActivity }
func (s stubStage) Process(context.Context, string, json.RawMessage) (Result, error) {
	return s.res, s.err
}

func TestRunner(t *testing.T) {
	twoOutputs := Result{Target: queue.PerActivity, Outputs: []any{map[string]int{"a": 1}, map[string]int{"b": 2}}}
	partial := twoOutputs
	partial.PartialOK = true

	tests := []struct {
		name       string
		stage      stubStage
		getErr     error
		pushErr    error
		missing    bool
		wantErr    bool
		wantSource int
		wantTarget int
	}{
		{name: "success", stage: stubStage{res: twoOutputs}, wantSource: 0, wantTarget: 2},
		{name: "stage failure keeps source", stage: stubStage{err: errors.New("rpc down")}, wantSource: 1},
		{name: "missing item skipped", stage: stubStage{res: twoOutputs}, missing: true, wantSource: 1},
		{name: "store read error returned", stage: stubStage{res: twoOutputs}, getErr: errors.New("conn reset"), wantErr: true, wantSource: 1},
		{name: "push failure keeps source", stage: stubStage{res: twoOutputs}, pushErr: errors.New("full"), wantSource: 1},
		{name: "partial push still removes", stage: stubStage{res: partial}, pushErr: errors.New("full"), wantSource: 0},
		{name: "no outputs removes", stage: stubStage{}, wantSource: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := &flakyStore{MemoryStore: queue.NewMemoryStore()}
			q := queue.New(fs, nil)
			id, _ := q.Push(context.Background(), queue.RawActivity, json.RawMessage(`{}`))
			if tt.missing {
				id = "00000000-0000-7000-8000-000000000000"
			}
			fs.getErr, fs.pushErr = tt.getErr, tt.pushErr

			err := NewRunner(q, nil).Run(context.Background(), tt.stage, trigger.Event{Path: queue.RawActivity, ID: id})
			if (err != nil) != tt.wantErr {
				t.Errorf("Run() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := fs.Len(queue.RawActivity); got != tt.wantSource {
				t.Errorf("source len = %d, want %d", got, tt.wantSource)
			}
			if got := fs.Len(queue.PerActivity); got != tt.wantTarget {
				t.Errorf("target len = %d, want %d", got, tt.wantTarget)
			}
		})
	}
}

func TestRunnerDuplicateTriggerIsIdempotent(t *testing.T) {
	store := queue.NewMemoryStore()
	q := queue.New(store, nil)
	id, _ := q.Push(context.Background(), queue.RawActivity, json.RawMessage(`{"event":{"activity":`+record(stranger, pool, "0x1", "0xa")+`}}`))

	r := NewRunner(q, nil)
	f := &Filter{Pool: pool}
	ev := trigger.Event{Path: queue.RawActivity, ID: id}
	for i := 0; i < 2; i++ {
		if err := r.Run(context.Background(), f, ev); err != nil {
			t.Fatalf("Run() #%d error = %v", i, err)
		}
	}
	if n := store.Len(queue.PerActivity); n != 1 {
		t.Errorf("PerActivity len = %d, want 1", n)
	}
}

func TestFilterProcess(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    int
		wantErr bool
	}{
		{name: "single object", body: `{"event":{"activity":` + record(stranger, pool, "0x1", "0xa") + `}}`, want: 1},
		{name: "case insensitive", body: `{"event":{"activity":[` + record(strings.ToLower(pool), stranger, "0x1", "0xa") + `]}}`, want: 1},
		{name: "no match", body: `{"event":{"activity":[` + record(stranger, stranger, "0x1", "0xa") + `]}}`, want: 0},
		{name: "empty list", body: `{"event":{"activity":[]}}`, want: 0},
		{name: "malformed record skipped", body: `{"event":{"activity":["nope",` + record(stranger, pool, "0x1", "0xa") + `]}}`, want: 1},
		{name: "missing activity", body: `{"event":{}}`, wantErr: true},
		{name: "not an object", body: `[]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := (&Filter{Pool: pool}).Process(context.Background(), "id", json.RawMessage(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Process() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(res.Outputs) != tt.want {
				t.Errorf("outputs = %d, want %d", len(res.Outputs), tt.want)
			}
			if res.Target != queue.PerActivity || !res.PartialOK {
				t.Errorf("result = %+v", res)
			}
		})
	}
}

func TestEnricherFailures(t *testing.T) {
	tests := []struct {
		name     string
		item     string
		chainErr error
		failAI   bool
	}{
		{name: "bad token id", item: record(stranger, pool, "0xzz", "0xa")},
		{name: "metadata unavailable", item: record(stranger, pool, "0x1", "0xa"), chainErr: errors.New("404")},
		{name: "commentary exhausted", item: record(stranger, pool, "0x1", "0xa"), failAI: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeCommentary{}
			fc.fail.Store(tt.failAI)
			e := &Enricher{
				Pool:          pool,
				ExplorerTxURL: "https://etherscan.io/tx/%s",
				Chain:         &fakeChain{md: chain.Metadata{}, err: tt.chainErr},
				Commentary:    fc,
			}
			if _, err := e.Process(context.Background(), "id", json.RawMessage(tt.item)); err == nil {
				t.Error("Process() expected error")
			}
		})
	}
}
