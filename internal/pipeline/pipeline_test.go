package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"code-review-service/internal/inference"
	"code-review-service/internal/model"
	"code-review-service/internal/notify"
	"code-review-service/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sha(n byte) string {
	s := ""
	for i := 0; i < 40; i++ {
		s += string("0123456789abcdef"[n%16])
	}
	return s
}

// memStore implements Store with the same compare-and-set semantics as the
// Postgres implementation, so stage races behave like production.
type memStore struct {
	mu   sync.Mutex
	recs map[string]*model.CommitRecord
	cfg  *model.RepositoryConfig
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]*model.CommitRecord)}
}

func (s *memStore) UpsertRaw(_ context.Context, rec model.CommitRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.recs[rec.SHA]; ok {
		if existing.AuthorName == "" {
			existing.AuthorName = rec.AuthorName
		}
		if existing.CommitMessage == "" {
			existing.CommitMessage = rec.CommitMessage
		}
		if existing.CodeDiff == "" {
			existing.CodeDiff = rec.CodeDiff
		}
		return false, nil
	}
	cp := rec
	s.recs[rec.SHA] = &cp
	return true, nil
}

func (s *memStore) FindPending(_ context.Context, stage store.Stage, limit int) ([]model.CommitRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.CommitRecord
	for _, rec := range s.recs {
		switch stage {
		case store.StageUnanalyzed:
			if rec.AnalysisSuggestion == nil {
				out = append(out, *rec)
			}
		case store.StageUnpushed:
			if rec.AnalysisSuggestion != nil && !rec.Pushed {
				out = append(out, *rec)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CommitTimestamp.Equal(out[j].CommitTimestamp) {
			return out[i].CommitTimestamp.Before(out[j].CommitTimestamp)
		}
		return out[i].SHA < out[j].SHA
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) SetAnalysis(_ context.Context, sha, suggestion string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[sha]
	if !ok || rec.AnalysisSuggestion != nil {
		return false, nil
	}
	rec.AnalysisSuggestion = &suggestion
	return true, nil
}

func (s *memStore) MarkPushed(_ context.Context, sha string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[sha]
	if !ok || rec.Pushed {
		return false, nil
	}
	rec.Pushed = true
	return true, nil
}

func (s *memStore) GetRepositoryConfig(_ context.Context, owner, name string) (model.RepositoryConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg != nil && s.cfg.Owner == owner && s.cfg.Name == name {
		return *s.cfg, nil
	}
	return model.RepositoryConfig{}, store.ErrNotFound
}

func (s *memStore) get(sha string) model.CommitRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.recs[sha]
}

func (s *memStore) seed(rec model.CommitRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := rec
	s.recs[rec.SHA] = &cp
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

// fakeSource serves canned commit details and can fail specific shas.
type fakeSource struct {
	mu    sync.Mutex
	recs  map[string]model.CommitRecord
	fail  map[string]bool
	calls int
}

func (f *fakeSource) GetCommitDetail(_ context.Context, _, _, sha string) (model.CommitRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail[sha] {
		return model.CommitRecord{}, errors.New("source unavailable")
	}
	rec, ok := f.recs[sha]
	if !ok {
		return model.CommitRecord{}, errors.New("unknown commit")
	}
	return rec, nil
}

// fakeAnalyzer fails its first n calls, then answers with a counter-stamped
// suggestion. Prompts are recorded for template assertions.
type fakeAnalyzer struct {
	mu       sync.Mutex
	failures int
	calls    int
	prompts  []string
}

func (f *fakeAnalyzer) Analyze(_ context.Context, prompt string) (inference.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.prompts = append(f.prompts, prompt)
	if f.calls <= f.failures {
		return inference.Result{}, errors.New("inference endpoint returned status 500")
	}
	return inference.Result{Text: fmt.Sprintf("suggestion #%d", f.calls), Model: "test-model"}, nil
}

func (f *fakeAnalyzer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type delivery struct {
	content string
	url     string
	at      time.Time
}

// fakeDispatcher records deliveries; Format embeds the record's SHA so each
// delivery is attributable.
type fakeDispatcher struct {
	mu        sync.Mutex
	failures  int
	calls     int
	delivered []delivery
}

func (f *fakeDispatcher) Format(rec model.CommitRecord) notify.ChatMessage {
	return notify.ChatMessage{MsgType: "markdown", Markdown: &notify.MarkdownContent{Content: rec.SHA}}
}

func (f *fakeDispatcher) Deliver(_ context.Context, url string, msg notify.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("webhook unreachable")
	}
	f.delivered = append(f.delivered, delivery{content: msg.Markdown.Content, url: url, at: time.Now()})
	return nil
}

func (f *fakeDispatcher) deliveries() []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery(nil), f.delivered...)
}

func testPipeline(st Store, src SourceClient, an Analyzer, d Dispatcher) *Pipeline {
	return New(st, src, an, d, Config{
		Owner:            "octo",
		Name:             "reviewed",
		NotifyWebhookURL: "https://chat.example.com/send",
		MaxDiffChars:     10000,
		NotifyDelay:      5 * time.Millisecond,
		SweepInterval:    time.Hour,
	}, testLogger())
}

func pushEvent(shas ...string) model.Event {
	ev := model.Event{Kind: model.EventPush, Owner: "octo", Repo: "reviewed", Branch: "main"}
	for _, s := range shas {
		ev.Commits = append(ev.Commits, model.PushCommit{ID: s})
	}
	return ev
}

func rawRecord(s string, ts time.Time) model.CommitRecord {
	return model.CommitRecord{
		SHA:             s,
		AuthorName:      "Liu",
		CommitMessage:   "fix: things",
		CommitTimestamp: ts,
		CodeDiff:        "File: a.go\n@@ -1 +1 @@\n-old\n+new",
	}
}

func TestPipeline_ScenarioFullRun(t *testing.T) {
	// push -> RAW -> ANALYZED -> PUSHED, dispatcher invoked exactly once
	st := newMemStore()
	s := sha(1)
	src := &fakeSource{recs: map[string]model.CommitRecord{s: rawRecord(s, time.Now())}}
	an := &fakeAnalyzer{}
	d := &fakeDispatcher{}
	p := testPipeline(st, src, an, d)

	p.RunFetch(context.Background(), pushEvent(s))

	require.Eventually(t, func() bool {
		return st.count() == 1 && st.get(s).Pushed
	}, 3*time.Second, 10*time.Millisecond, "record should reach the pushed state")

	rec := st.get(s)
	require.NotNil(t, rec.AnalysisSuggestion)
	assert.Equal(t, "suggestion #1", *rec.AnalysisSuggestion)

	dels := d.deliveries()
	require.Len(t, dels, 1)
	assert.Equal(t, s, dels[0].content)
	assert.Equal(t, "https://chat.example.com/send", dels[0].url)
}

func TestPipeline_FetchIsIdempotent(t *testing.T) {
	st := newMemStore()
	s := sha(2)
	src := &fakeSource{recs: map[string]model.CommitRecord{s: rawRecord(s, time.Now())}}
	an := &fakeAnalyzer{failures: 100} // keep records raw so replays are visible
	d := &fakeDispatcher{}
	p := testPipeline(st, src, an, d)

	p.RunFetch(context.Background(), pushEvent(s))
	p.RunFetch(context.Background(), pushEvent(s))

	assert.Equal(t, 1, st.count())
	rec := st.get(s)
	assert.Equal(t, "Liu", rec.AuthorName)
	assert.Equal(t, "fix: things", rec.CommitMessage)
}

func TestPipeline_FetchPartialFailure(t *testing.T) {
	st := newMemStore()
	good, bad := sha(3), sha(4)
	src := &fakeSource{
		recs: map[string]model.CommitRecord{good: rawRecord(good, time.Now())},
		fail: map[string]bool{bad: true},
	}
	an := &fakeAnalyzer{failures: 100}
	d := &fakeDispatcher{}
	p := testPipeline(st, src, an, d)

	p.RunFetch(context.Background(), pushEvent(bad, good))

	assert.Equal(t, 1, st.count(), "the failed commit is skipped, the rest of the batch proceeds")
	assert.Equal(t, good, st.get(good).SHA)
}

func TestPipeline_AnalyzeFailureLeavesRecordRawForNextSweep(t *testing.T) {
	// Scenario: inference fails on the first invocation; the next sweep
	// retries the same record and succeeds.
	st := newMemStore()
	s := sha(5)
	st.seed(rawRecord(s, time.Now()))

	an := &fakeAnalyzer{failures: 1}
	d := &fakeDispatcher{}
	p := testPipeline(st, nil, an, d)

	p.RunAnalyze(context.Background())
	assert.Nil(t, st.get(s).AnalysisSuggestion, "failed analysis must leave the record raw")

	p.RunAnalyze(context.Background())
	require.Eventually(t, func() bool {
		return st.get(s).AnalysisSuggestion != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, an.callCount())
}

func TestPipeline_AnalysisWriteIsAtMostOnce(t *testing.T) {
	// Two overlapping analyze runs race on one record; exactly one suggestion
	// value lands, the loser's attempt is a no-op.
	st := newMemStore()
	s := sha(6)
	st.seed(rawRecord(s, time.Now()))

	an := &fakeAnalyzer{}
	d := &fakeDispatcher{}
	p := testPipeline(st, nil, an, d)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.RunAnalyze(context.Background())
		}()
	}
	wg.Wait()

	rec := st.get(s)
	require.NotNil(t, rec.AnalysisSuggestion)
	got := *rec.AnalysisSuggestion
	assert.Contains(t, []string{"suggestion #1", "suggestion #2"}, got)
}

func TestPipeline_NotifyFailureKeepsRecordUnpushed(t *testing.T) {
	// Scenario: the webhook is unreachable; pushed stays false and the next
	// sweep delivers.
	st := newMemStore()
	s := sha(7)
	rec := rawRecord(s, time.Now())
	suggestion := "watch the error path"
	rec.AnalysisSuggestion = &suggestion
	st.seed(rec)

	d := &fakeDispatcher{failures: 1}
	p := testPipeline(st, nil, &fakeAnalyzer{}, d)

	p.RunNotify(context.Background())
	assert.False(t, st.get(s).Pushed, "failed delivery must not mark the record pushed")

	p.RunNotify(context.Background())
	assert.True(t, st.get(s).Pushed)
	assert.Len(t, d.deliveries(), 1)
}

func TestPipeline_NotifyIsDedupedByFlag(t *testing.T) {
	st := newMemStore()
	s := sha(8)
	rec := rawRecord(s, time.Now())
	suggestion := "ok"
	rec.AnalysisSuggestion = &suggestion
	st.seed(rec)

	d := &fakeDispatcher{}
	p := testPipeline(st, nil, &fakeAnalyzer{}, d)

	p.RunNotify(context.Background())
	p.RunNotify(context.Background())

	assert.Len(t, d.deliveries(), 1, "a pushed record is never delivered again")
	assert.True(t, st.get(s).Pushed)
}

func TestPipeline_NotifyOrderAndSpacing(t *testing.T) {
	st := newMemStore()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	suggestion := "ok"
	// Seeded newest-first to prove the stage reorders oldest-first.
	var shas []string
	for i := 3; i >= 1; i-- {
		s := sha(byte(8 + i))
		rec := rawRecord(s, base.Add(time.Duration(i)*time.Hour))
		rec.AnalysisSuggestion = &suggestion
		st.seed(rec)
		shas = append(shas, s)
	}

	d := &fakeDispatcher{}
	p := testPipeline(st, nil, &fakeAnalyzer{}, d)
	p.RunNotify(context.Background())

	dels := d.deliveries()
	require.Len(t, dels, 3)
	assert.Equal(t, shas[2], dels[0].content, "oldest commit first")
	assert.Equal(t, shas[1], dels[1].content)
	assert.Equal(t, shas[0], dels[2].content)
	assert.GreaterOrEqual(t, dels[1].at.Sub(dels[0].at), 5*time.Millisecond)
	assert.GreaterOrEqual(t, dels[2].at.Sub(dels[1].at), 5*time.Millisecond)
}

func TestPipeline_NotifyBatchBound(t *testing.T) {
	st := newMemStore()
	suggestion := "ok"
	for i := 1; i <= 5; i++ {
		rec := rawRecord(sha(byte(i)), time.Now().Add(time.Duration(i)*time.Minute))
		rec.AnalysisSuggestion = &suggestion
		st.seed(rec)
	}

	d := &fakeDispatcher{}
	p := testPipeline(st, nil, &fakeAnalyzer{}, d)

	p.RunNotify(context.Background())
	assert.Len(t, d.deliveries(), 3, "one invocation delivers at most the batch limit")

	p.RunNotify(context.Background())
	assert.Len(t, d.deliveries(), 5, "the next sweep drains the rest")
}

func TestPipeline_AnalyzeUsesRepositoryPromptTemplate(t *testing.T) {
	st := newMemStore()
	st.cfg = &model.RepositoryConfig{
		Owner:          "octo",
		Name:           "reviewed",
		Enabled:        true,
		PromptTemplate: "Review by {author}: {commit_message}\n{code_diff}",
	}
	s := sha(13)
	st.seed(rawRecord(s, time.Now()))

	an := &fakeAnalyzer{}
	p := testPipeline(st, nil, an, &fakeDispatcher{})
	p.RunAnalyze(context.Background())

	require.Eventually(t, func() bool { return an.callCount() == 1 }, time.Second, 5*time.Millisecond)
	an.mu.Lock()
	prompt := an.prompts[0]
	an.mu.Unlock()
	assert.Equal(t, "Review by Liu: fix: things\nFile: a.go\n@@ -1 +1 @@\n-old\n+new", prompt)
}

func TestPipeline_AnalyzeTruncatesOversizedDiff(t *testing.T) {
	st := newMemStore()
	s := sha(14)
	rec := rawRecord(s, time.Now())
	rec.CodeDiff = ""
	for i := 0; i < 2000; i++ {
		rec.CodeDiff += "x"
	}
	st.seed(rec)

	an := &fakeAnalyzer{}
	p := New(st, nil, an, &fakeDispatcher{}, Config{
		Owner:        "octo",
		Name:         "reviewed",
		MaxDiffChars: 100,
		NotifyDelay:  time.Millisecond,
	}, testLogger())
	p.RunAnalyze(context.Background())

	an.mu.Lock()
	prompt := an.prompts[0]
	an.mu.Unlock()
	assert.Contains(t, prompt, inference.TruncationMarker)
	assert.NotContains(t, prompt, rec.CodeDiff, "the full diff must not reach the model")
}

func TestPipeline_RepositoryWebhookOverride(t *testing.T) {
	st := newMemStore()
	st.cfg = &model.RepositoryConfig{
		Owner:                  "octo",
		Name:                   "reviewed",
		Enabled:                true,
		NotificationWebhookURL: "https://chat.example.com/repo-specific",
	}
	s := sha(15)
	rec := rawRecord(s, time.Now())
	suggestion := "ok"
	rec.AnalysisSuggestion = &suggestion
	st.seed(rec)

	d := &fakeDispatcher{}
	p := testPipeline(st, nil, &fakeAnalyzer{}, d)
	p.RunNotify(context.Background())

	dels := d.deliveries()
	require.Len(t, dels, 1)
	assert.Equal(t, "https://chat.example.com/repo-specific", dels[0].url)
}

func TestPipeline_SweepHealsStuckRecords(t *testing.T) {
	// A record left RAW by a crashed invocation is picked up purely by
	// predicate; nothing remembers the failed run.
	st := newMemStore()
	s := sha(16)
	st.seed(rawRecord(s, time.Now()))

	an := &fakeAnalyzer{}
	d := &fakeDispatcher{}
	p := New(st, nil, an, d, Config{
		Owner:         "octo",
		Name:          "reviewed",
		MaxDiffChars:  10000,
		NotifyDelay:   time.Millisecond,
		SweepInterval: 20 * time.Millisecond,
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Start(ctx)

	require.Eventually(t, func() bool {
		rec := st.get(s)
		return rec.Pushed && rec.AnalysisSuggestion != nil
	}, 3*time.Second, 10*time.Millisecond)
	assert.Len(t, d.deliveries(), 1)
}
