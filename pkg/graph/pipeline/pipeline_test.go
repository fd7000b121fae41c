package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/athapong/docugraph/pkg/graph"
	"github.com/athapong/docugraph/pkg/graph/extractor"
	"github.com/athapong/docugraph/pkg/graph/processors"
	"github.com/athapong/docugraph/pkg/graph/recognizer"
	"github.com/athapong/docugraph/pkg/graph/storage"
	"github.com/athapong/docugraph/pkg/graph/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails ReplaceDocumentGraph a configurable number of times before
// delegating to the in-memory store.
type flakyStore struct {
	*storage.MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) ReplaceDocumentGraph(ctx context.Context, documentID string, entities []graph.Entity, relationships []graph.Relationship) error {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()

	if fail {
		return graph.NewPersistenceError(context.DeadlineExceeded)
	}
	return f.MemoryStore.ReplaceDocumentGraph(ctx, documentID, entities, relationships)
}

func (f *flakyStore) setFailures(n int) {
	f.mu.Lock()
	f.failures = n
	f.mu.Unlock()
}

func newTestPipeline(store graph.GraphStore) *Pipeline {
	validator := validation.NewEngine(validation.NewDefaultRegistry())
	p := New(store, recognizer.New(), extractor.New(), validator, Config{
		StageTimeout: 30 * time.Second,
		MaxAttempts:  3,
		RetryBackoff: 5 * time.Millisecond,
	})
	p.RegisterParser(processors.NewTextProcessor())
	return p
}

func waitFor(t *testing.T, p *Pipeline, documentID string, want graph.Stage) {
	t.Helper()
	require.Eventually(t, func() bool {
		stage, _, err := p.Status(documentID)
		return err == nil && stage == want
	}, 10*time.Second, 10*time.Millisecond, "document never reached stage %s", want)
}

const sampleText = "Acme Corp acquired Beta Inc for $50 million."

func TestFullPipelineRun(t *testing.T) {
	store := storage.NewMemoryStore()
	p := newTestPipeline(store)

	doc, err := p.Upload("doc-1", map[string]interface{}{"source": "test"})
	require.NoError(t, err)
	assert.Equal(t, graph.StageUploaded, doc.Stage)

	require.NoError(t, p.ProcessDocument("doc-1", []byte(sampleText), "txt"))
	waitFor(t, p, "doc-1", graph.StageMarkdownGenerated)

	snapshot, err := p.Document("doc-1")
	require.NoError(t, err)
	assert.Equal(t, sampleText, snapshot.Markdown)
	require.Len(t, snapshot.Pages, 1)

	require.NoError(t, p.BuildGraph("doc-1"))
	waitFor(t, p, "doc-1", graph.StageGraphRAGReady)

	data, err := store.GetGraph(context.Background(), "doc-1", graph.GraphFilter{})
	require.NoError(t, err)
	assert.NotEmpty(t, data.Nodes)
	assert.NotEmpty(t, data.Edges)

	_, history, err := p.Status("doc-1")
	require.NoError(t, err)
	stages := make([]graph.Stage, 0, len(history))
	for _, tr := range history {
		assert.False(t, tr.Timestamp.IsZero())
		stages = append(stages, tr.Stage)
	}
	assert.Equal(t, []graph.Stage{
		graph.StageUploaded,
		graph.StageProcessingParse,
		graph.StageMarkdownGenerated,
		graph.StageBuildingGraph,
		graph.StageGraphRAGReady,
	}, stages)
}

func TestStagesNeverChainAutomatically(t *testing.T) {
	p := newTestPipeline(storage.NewMemoryStore())

	_, err := p.Upload("doc-1", nil)
	require.NoError(t, err)
	require.NoError(t, p.ProcessDocument("doc-1", []byte(sampleText), "txt"))
	waitFor(t, p, "doc-1", graph.StageMarkdownGenerated)

	// Without an explicit BuildGraph call the document stays put
	time.Sleep(50 * time.Millisecond)
	stage, _, err := p.Status("doc-1")
	require.NoError(t, err)
	assert.Equal(t, graph.StageMarkdownGenerated, stage)
}

func TestInvalidTransitionsRejected(t *testing.T) {
	p := newTestPipeline(storage.NewMemoryStore())

	_, err := p.Upload("doc-1", nil)
	require.NoError(t, err)

	// Building before parsing is an input error
	err = p.BuildGraph("doc-1")
	require.Error(t, err)
	assert.Equal(t, graph.ErrKindInput, graph.KindOf(err))

	// Unknown documents are rejected synchronously
	require.Error(t, p.ProcessDocument("ghost", []byte(sampleText), "txt"))
	require.Error(t, p.BuildGraph("ghost"))
	_, _, err = p.Status("ghost")
	require.Error(t, err)

	// Malformed input never launches a stage
	require.Error(t, p.ProcessDocument("doc-1", nil, "txt"))
	require.Error(t, p.ProcessDocument("doc-1", []byte(sampleText), "xlsx"))

	stage, _, err := p.Status("doc-1")
	require.NoError(t, err)
	assert.Equal(t, graph.StageUploaded, stage)
}

func TestUploadDuplicateRejected(t *testing.T) {
	p := newTestPipeline(storage.NewMemoryStore())

	_, err := p.Upload("doc-1", nil)
	require.NoError(t, err)
	_, err = p.Upload("doc-1", nil)
	require.Error(t, err)
	assert.Equal(t, graph.ErrKindInput, graph.KindOf(err))
}

func TestParseFailureRecordsFailedStage(t *testing.T) {
	p := newTestPipeline(storage.NewMemoryStore())

	_, err := p.Upload("doc-1", nil)
	require.NoError(t, err)

	// Invalid utf-8 passes the synchronous size check but fails in the parser
	require.NoError(t, p.ProcessDocument("doc-1", []byte{0xff, 0xfe, 0xfd}, "txt"))
	waitFor(t, p, "doc-1", graph.StageFailed)

	snapshot, err := p.Document("doc-1")
	require.NoError(t, err)
	assert.Equal(t, graph.StageProcessingParse, snapshot.FailedStage)

	last := snapshot.History[len(snapshot.History)-1]
	assert.Equal(t, graph.StageFailed, last.Stage)
	assert.NotEmpty(t, last.Error)
}

func TestTransientStoreFailureIsRetried(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	store.setFailures(2)
	p := newTestPipeline(store)

	_, err := p.Upload("doc-1", nil)
	require.NoError(t, err)
	require.NoError(t, p.ProcessDocument("doc-1", []byte(sampleText), "txt"))
	waitFor(t, p, "doc-1", graph.StageMarkdownGenerated)

	require.NoError(t, p.BuildGraph("doc-1"))
	waitFor(t, p, "doc-1", graph.StageGraphRAGReady)

	store.mu.Lock()
	calls := store.calls
	store.mu.Unlock()
	assert.Equal(t, 3, calls, "two transient failures then success")
}

func TestBuildGraphRetryAfterFailureIsIdempotent(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	store.setFailures(100)
	p := newTestPipeline(store)

	_, err := p.Upload("doc-1", nil)
	require.NoError(t, err)
	require.NoError(t, p.ProcessDocument("doc-1", []byte(sampleText), "txt"))
	waitFor(t, p, "doc-1", graph.StageMarkdownGenerated)

	require.NoError(t, p.BuildGraph("doc-1"))
	waitFor(t, p, "doc-1", graph.StageFailed)

	snapshot, err := p.Document("doc-1")
	require.NoError(t, err)
	assert.Equal(t, graph.StageBuildingGraph, snapshot.FailedStage)

	// Retrying from FAILED succeeds once the store recovers and converges on
	// the same graph
	store.setFailures(0)
	require.NoError(t, p.BuildGraph("doc-1"))
	waitFor(t, p, "doc-1", graph.StageGraphRAGReady)

	data, err := store.GetGraph(context.Background(), "doc-1", graph.GraphFilter{})
	require.NoError(t, err)
	assert.NotEmpty(t, data.Nodes)

	// A second rebuild changes nothing
	nodeCount := len(data.Nodes)
	require.NoError(t, p.BuildGraph("doc-1"))
	waitFor(t, p, "doc-1", graph.StageGraphRAGReady)
	data, err = store.GetGraph(context.Background(), "doc-1", graph.GraphFilter{})
	require.NoError(t, err)
	assert.Len(t, data.Nodes, nodeCount)
}

func TestConcurrentCallsSerializePerDocument(t *testing.T) {
	p := newTestPipeline(storage.NewMemoryStore())

	_, err := p.Upload("doc-1", nil)
	require.NoError(t, err)
	require.NoError(t, p.ProcessDocument("doc-1", []byte(sampleText), "txt"))
	waitFor(t, p, "doc-1", graph.StageMarkdownGenerated)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Rebuilds race but transitions stay serialized
			_ = p.BuildGraph("doc-1")
		}()
	}
	wg.Wait()
	waitFor(t, p, "doc-1", graph.StageGraphRAGReady)

	_, history, err := p.Status("doc-1")
	require.NoError(t, err)
	for _, tr := range history {
		assert.NotEqual(t, graph.StageFailed, tr.Stage)
	}
}

// sleepyRecognizer and inertExtractor ignore cancellation so the per-page
// deadline check in the build loop is what has to catch the overrun.
type sleepyRecognizer struct{ delay time.Duration }

func (s sleepyRecognizer) Extract(ctx context.Context, documentID, text string, page int) ([]graph.Entity, error) {
	time.Sleep(s.delay)
	return nil, nil
}

type inertExtractor struct{}

func (inertExtractor) Extract(ctx context.Context, documentID, text string, entities []graph.Entity) ([]graph.Relationship, error) {
	return nil, nil
}

func TestStageTimeoutFailsSlowBuild(t *testing.T) {
	validator := validation.NewEngine(validation.NewDefaultRegistry())
	p := New(storage.NewMemoryStore(), sleepyRecognizer{delay: 60 * time.Millisecond}, inertExtractor{}, validator, Config{
		StageTimeout: 20 * time.Millisecond,
		MaxAttempts:  1,
		RetryBackoff: time.Millisecond,
	})
	p.RegisterParser(processors.NewTextProcessor())

	_, err := p.Upload("doc-1", nil)
	require.NoError(t, err)
	require.NoError(t, p.ProcessDocument("doc-1", []byte("page one\fpage two"), "txt"))
	waitFor(t, p, "doc-1", graph.StageMarkdownGenerated)

	require.NoError(t, p.BuildGraph("doc-1"))
	waitFor(t, p, "doc-1", graph.StageFailed)

	snapshot, err := p.Document("doc-1")
	require.NoError(t, err)
	assert.Equal(t, graph.StageBuildingGraph, snapshot.FailedStage)

	last := snapshot.History[len(snapshot.History)-1]
	assert.Contains(t, last.Error, "timed out")
}

func TestStageGateRecheckedUnderLock(t *testing.T) {
	p := newTestPipeline(storage.NewMemoryStore())

	_, err := p.Upload("doc-1", nil)
	require.NoError(t, err)

	state, err := p.state("doc-1")
	require.NoError(t, err)

	// A build goroutine that lost a race to the stage gate must not run
	p.runBuild(state)

	stage, history, err := p.Status("doc-1")
	require.NoError(t, err)
	assert.Equal(t, graph.StageUploaded, stage)
	assert.Len(t, history, 1)

	// The same holds for a parse goroutine once the document has advanced
	require.NoError(t, p.ProcessDocument("doc-1", []byte(sampleText), "txt"))
	waitFor(t, p, "doc-1", graph.StageMarkdownGenerated)

	p.runParse(state, p.parsers["txt"], []byte(sampleText))
	stage, history, err = p.Status("doc-1")
	require.NoError(t, err)
	assert.Equal(t, graph.StageMarkdownGenerated, stage)
	assert.Len(t, history, 3)
}

func TestStageCounts(t *testing.T) {
	p := newTestPipeline(storage.NewMemoryStore())

	_, err := p.Upload("doc-1", nil)
	require.NoError(t, err)
	_, err = p.Upload("doc-2", nil)
	require.NoError(t, err)

	counts := p.StageCounts()
	assert.Equal(t, 2, counts[graph.StageUploaded])
}
