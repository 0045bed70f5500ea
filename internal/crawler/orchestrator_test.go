package crawler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestOrchestrator(t *testing.T, cfg Config, deps Dependencies) *Orchestrator {
	t.Helper()
	if deps.Clock == nil {
		deps.Clock = fixedClock{testNow}
	}
	if deps.Sleeper == nil {
		deps.Sleeper = &recordingSleeper{}
	}
	orch, err := NewOrchestrator(cfg, deps, zap.NewNop())
	require.NoError(t, err)
	return orch
}

const reportName = "meta/20240517_metadata_game_info.json"

func TestOrchestratorConsumesContiguousFiles(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	for n := 1; n <= 4; n++ {
		store.put(fmt.Sprintf("ids/game_id_%d.json", n), inputFile(n*10, n*10+1))
	}
	store.put("ids/game_id_6.json", inputFile(60))
	orch := newTestOrchestrator(t, testConfig(), Dependencies{Store: store, Getter: &fakeGetter{}})

	report, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateAllInputConsumed, report.FinalState)
	require.Equal(t, 4, report.InputFilesProcessed)
	require.Equal(t, 8, report.DataCount)
	require.Equal(t, NumericID("41"), report.LastIdentifier)
	require.Equal(t, StateAllInputConsumed, orch.Snapshot().State)
}

func TestOrchestratorScenarioTwoTwoZero(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.put("ids/game_id_1.json", inputFile(1, 2))
	store.put("ids/game_id_2.json", inputFile(3, 4))
	store.put("ids/game_id_3.json", `{"data":[]}`)
	cfg := testConfig()
	cfg.MaxRetries = 1
	orch := newTestOrchestrator(t, cfg, Dependencies{Store: store, Getter: &fakeGetter{}})

	_, err := orch.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, []string{reportName}, store.names("meta/"))
	report := store.report(t, reportName)
	require.Equal(t, 4, report.DataCount)
	require.Zero(t, report.FailedCount)
	require.Empty(t, report.FailedList)
	require.Equal(t, NumericID("4"), report.LastIdentifier)
	require.Equal(t, 3, report.InputFilesProcessed)
	require.Equal(t, 1, report.FirstInputFile)
	require.Equal(t, 1, report.LastOutputFile)
	require.Len(t, store.chunk(t, "out/game_info_1.json").Data, 4)
}

func TestOrchestratorCountsEveryIdentifier(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.put("ids/game_id_1.json", inputFile(1, 2, 3, 4, 5))
	store.put("ids/game_id_2.json", inputFile(6, 7))
	getter := &fakeGetter{
		alwaysFail: map[string]bool{"https://api.test/app?id=2": true, "https://api.test/app?id=6": true},
		bodies:     map[string]string{"https://api.test/app?id=4": `[]`},
	}
	cfg := testConfig()
	cfg.MaxRetries = 2
	orch := newTestOrchestrator(t, cfg, Dependencies{Store: store, Getter: getter})

	report, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, report.DataCount+report.FailedCount)
	require.Equal(t, 4, report.DataCount)
	require.Equal(t, []Identifier{NumericID("2"), NumericID("4"), NumericID("6")}, report.FailedList)
	require.Equal(t, 7, orch.Snapshot().Seen)
}

func TestOrchestratorAlwaysFailingIdentifierListedOnce(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.put("ids/game_id_1.json", inputFile(99))
	cfg := testConfig()
	cfg.MaxRetries = 2
	sleeper := &recordingSleeper{}
	getter := &fakeGetter{alwaysFail: map[string]bool{"https://api.test/app?id=99": true}}
	orch := newTestOrchestrator(t, cfg, Dependencies{Store: store, Getter: getter, Sleeper: sleeper})

	report, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []Identifier{NumericID("99")}, report.FailedList)
	require.Equal(t, 1, report.FailedCount)
	require.Equal(t, 2, getter.Calls())
	// One backoff sleep plus one politeness delay.
	require.Len(t, sleeper.Delays(), 2)
}

func TestOrchestratorRotatesOutput(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.put("ids/game_id_1.json", inputFile(1, 2, 3))
	store.put("ids/game_id_2.json", inputFile(4))
	cfg := testConfig()
	cfg.MaxResultsPerFile = 3
	orch := newTestOrchestrator(t, cfg, Dependencies{Store: store, Getter: &fakeGetter{}})

	report, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"out/game_info_1.json", "out/game_info_2.json"}, store.names("out/"))
	require.Len(t, store.chunk(t, "out/game_info_1.json").Data, 3)
	require.Len(t, store.chunk(t, "out/game_info_2.json").Data, 1)
	require.Equal(t, 2, report.LastOutputFile)
}

func TestOrchestratorInputFileCap(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	for n := 1; n <= 5; n++ {
		store.put(fmt.Sprintf("ids/game_id_%d.json", n), inputFile(n))
	}
	cfg := testConfig()
	cfg.MaxInputFiles = 2
	cfg.StartInputFile = 3
	orch := newTestOrchestrator(t, cfg, Dependencies{Store: store, Getter: &fakeGetter{}})

	report, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateInputFileCapReached, report.FinalState)
	require.Equal(t, 2, report.InputFilesProcessed)
	require.Equal(t, 3, report.FirstInputFile)
	require.Equal(t, NumericID("4"), report.LastIdentifier)
}

func TestOrchestratorSkipsMalformedFile(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.put("ids/game_id_1.json", inputFile(1))
	store.put("ids/game_id_2.json", `{"data": oops`)
	store.put("ids/game_id_3.json", inputFile(3))
	orch := newTestOrchestrator(t, testConfig(), Dependencies{Store: store, Getter: &fakeGetter{}})

	report, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, report.InputFilesProcessed)
	require.Equal(t, 2, report.DataCount)
	require.Equal(t, StateAllInputConsumed, report.FinalState)
}

func TestOrchestratorPersistenceFailureAbortsWithoutReport(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.put("ids/game_id_1.json", inputFile(1, 2, 3))
	store.put("ids/game_id_2.json", inputFile(4))
	store.failWrite = func(name string) bool { return name == "out/game_info_1.json" }
	orch := newTestOrchestrator(t, testConfig(), Dependencies{Store: store, Getter: &fakeGetter{}})

	_, err := orch.Run(context.Background())
	require.ErrorIs(t, err, ErrPersistence)
	require.Empty(t, store.names("meta/"))
	require.Equal(t, StateAborted, orch.Snapshot().State)
}

func TestOrchestratorCancellationStillReports(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.put("ids/game_id_1.json", inputFile(1, 2, 3, 4))
	store.put("ids/game_id_2.json", inputFile(5))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	getter := &fakeGetter{onCall: func(url string) {
		if url == "https://api.test/app?id=2" {
			cancel()
		}
	}}
	checkpoints := newMemCheckpoints()
	orch := newTestOrchestrator(t, testConfig(), Dependencies{Store: store, Getter: getter, Checkpoints: checkpoints})

	report, err := orch.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, StateCanceled, report.FinalState)
	// The in-flight request for id 2 completes; nothing after it is dispatched.
	require.Equal(t, 2, report.DataCount+report.FailedCount)
	require.Equal(t, 2, report.DataCount)
	require.Zero(t, report.InputFilesProcessed)
	require.Len(t, store.chunk(t, "out/game_info_1.json").Data, 2)
	require.Equal(t, []string{reportName}, store.names("meta/"))
	require.Zero(t, checkpoints.saves, "an interrupted file must not advance the checkpoint")
}

func TestOrchestratorWorkerPoolPreservesOrder(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	ids := make([]any, 0, 20)
	for i := 1; i <= 20; i++ {
		ids = append(ids, i)
	}
	store.put("ids/game_id_1.json", inputFile(ids...))
	cfg := testConfig()
	cfg.Workers = 3
	cfg.MaxResultsPerFile = 7

	// Stagger response times so workers finish out of order.
	var mu sync.Mutex
	calls := 0
	getter := &fakeGetter{onCall: func(string) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		time.Sleep(time.Duration(3-n%3) * time.Millisecond)
	}}
	orch := newTestOrchestrator(t, cfg, Dependencies{Store: store, Getter: getter})

	report, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 20, report.DataCount)
	require.Equal(t, NumericID("20"), report.LastIdentifier)

	var got []string
	for _, name := range []string{"out/game_info_1.json", "out/game_info_2.json", "out/game_info_3.json"} {
		for _, p := range store.chunk(t, name).Data {
			got = append(got, string(p["appid"]))
		}
	}
	want := make([]string, 0, 20)
	for i := 1; i <= 20; i++ {
		want = append(want, fmt.Sprint(i))
	}
	require.Equal(t, want, got)
}

func TestOrchestratorResumeFromCheckpoint(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.put("ids/game_id_1.json", inputFile(1, 2))
	store.put("ids/game_id_2.json", inputFile(3, 4))
	store.put("ids/game_id_3.json", inputFile(5, 6))
	checkpoints := newMemCheckpoints()

	cfg := testConfig()
	cfg.MaxInputFiles = 1
	first := newTestOrchestrator(t, cfg, Dependencies{Store: store, Getter: &fakeGetter{}, Checkpoints: checkpoints})
	_, err := first.Run(context.Background())
	require.NoError(t, err)
	cp, ok, err := checkpoints.Load(context.Background(), "game_info")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, cp.NextInputFile)
	require.Equal(t, 1, cp.OutputFile)
	require.Equal(t, 2, cp.OutputOffset)

	// Simulate a crash after id 3 of file 2 was flushed.
	partial := newFakeStore()
	for _, name := range store.names("") {
		raw, _ := store.Read(context.Background(), name)
		partial.put(name, string(raw))
	}
	crashed := NewOutputLedger(partial, cfg.OutputName, cfg.MaxResultsPerFile, fixedClock{testNow}, cfg.ScraperType)
	require.NoError(t, crashed.Resume(context.Background(), 1, 2))
	require.NoError(t, crashed.Append(context.Background(), success("3")))
	require.Len(t, partial.chunk(t, "out/game_info_1.json").Data, 3)

	cfg.MaxInputFiles = 0
	cfg.Resume = true
	getter := &fakeGetter{}
	second := newTestOrchestrator(t, cfg, Dependencies{Store: partial, Getter: getter, Checkpoints: checkpoints})
	report, err := second.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.FirstInputFile)
	require.Equal(t, 4, report.DataCount)
	require.Equal(t, 4, getter.Calls(), "only files 2 and 3 are fetched")

	var got []string
	for _, p := range partial.chunk(t, "out/game_info_1.json").Data {
		got = append(got, string(p["appid"]))
	}
	require.Equal(t, []string{"1", "2", "3", "4", "5", "6"}, got)

	_, ok, _ = checkpoints.Load(context.Background(), "game_info")
	require.False(t, ok, "consuming every input file clears the checkpoint")
}

func TestOrchestratorResumeDiscardsChunksAfterCheckpoint(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.put("ids/game_id_1.json", inputFile(1))
	store.put("ids/game_id_2.json", inputFile(2, 3))
	// The interrupted run flushed ids 2 and 3 before crashing, rotating
	// into a second chunk.
	store.put("out/game_info_1.json", `{"update_date":"2024-05-16","update_time":"10:00:00","data":[{"appid":1},{"appid":2}]}`)
	store.put("out/game_info_2.json", `{"update_date":"2024-05-16","update_time":"10:00:01","data":[{"appid":3}]}`)
	checkpoints := newMemCheckpoints()
	checkpoints.saved["game_info"] = Checkpoint{ScraperType: "game_info", NextInputFile: 2, OutputFile: 1, OutputOffset: 1, UpdatedAt: testNow}

	cfg := testConfig()
	cfg.MaxResultsPerFile = 2
	cfg.Resume = true
	getter := &fakeGetter{alwaysFail: map[string]bool{"https://api.test/app?id=2": true}}
	orch := newTestOrchestrator(t, cfg, Dependencies{Store: store, Getter: getter, Checkpoints: checkpoints})

	report, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.DataCount)
	require.Equal(t, []Identifier{NumericID("2")}, report.FailedList)

	require.Equal(t, []string{"out/game_info_1.json"}, store.names("out/"))
	var got []string
	for _, p := range store.chunk(t, "out/game_info_1.json").Data {
		got = append(got, string(p["appid"]))
	}
	require.Equal(t, []string{"1", "3"}, got, "every id is persisted exactly once")
}

func TestOrchestratorRerunAfterCompletionStartsAtFirstFile(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.put("ids/game_id_1.json", inputFile(1, 2))
	checkpoints := newMemCheckpoints()
	cfg := testConfig()
	cfg.Resume = true

	first := newTestOrchestrator(t, cfg, Dependencies{Store: store, Getter: &fakeGetter{}, Checkpoints: checkpoints})
	report, err := first.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateAllInputConsumed, report.FinalState)
	require.Equal(t, 1, checkpoints.clears)

	// Discovery appended a new id to the last input file.
	store.put("ids/game_id_1.json", inputFile(1, 2, 3))
	getter := &fakeGetter{}
	second := newTestOrchestrator(t, cfg, Dependencies{Store: store, Getter: getter, Checkpoints: checkpoints})
	report, err = second.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateAllInputConsumed, report.FinalState)
	require.Equal(t, 1, report.FirstInputFile)
	require.Equal(t, 3, report.DataCount)
	require.Equal(t, 3, getter.Calls())
	require.Len(t, store.chunk(t, "out/game_info_1.json").Data, 3)
}

func TestOrchestratorCapReachedKeepsCheckpoint(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.put("ids/game_id_1.json", inputFile(1))
	store.put("ids/game_id_2.json", inputFile(2))
	checkpoints := newMemCheckpoints()
	cfg := testConfig()
	cfg.MaxInputFiles = 1

	orch := newTestOrchestrator(t, cfg, Dependencies{Store: store, Getter: &fakeGetter{}, Checkpoints: checkpoints})
	report, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateInputFileCapReached, report.FinalState)
	require.Zero(t, checkpoints.clears)
	cp, ok, err := checkpoints.Load(context.Background(), "game_info")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, cp.NextInputFile)
}

func TestOrchestratorStartOutputOverrideKeepsEntries(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.put("out/game_info_4.json", `{"update_date":"2024-05-16","update_time":"10:00:00","data":[{"appid":100}]}`)
	store.put("ids/game_id_1.json", inputFile(1))
	cfg := testConfig()
	cfg.StartOutputFile = 4
	orch := newTestOrchestrator(t, cfg, Dependencies{Store: store, Getter: &fakeGetter{}})

	report, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, report.LastOutputFile)
	require.Len(t, store.chunk(t, "out/game_info_4.json").Data, 2)
	require.Equal(t, []string{"out/game_info_4.json"}, store.names("out/"))
}

func TestOrchestratorRunsOnce(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	orch := newTestOrchestrator(t, testConfig(), Dependencies{Store: store, Getter: &fakeGetter{}})
	_, err := orch.Run(context.Background())
	require.NoError(t, err)
	_, err = orch.Run(context.Background())
	require.Error(t, err)
}

func TestNewOrchestratorRejectsBadConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.URLTemplate = "https://api.test/app"
	_, err := NewOrchestrator(cfg, Dependencies{Store: newFakeStore(), Getter: &fakeGetter{}}, zap.NewNop())
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = NewOrchestrator(testConfig(), Dependencies{Getter: &fakeGetter{}}, zap.NewNop())
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestOrchestratorPublishesReport(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.put("ids/game_id_1.json", inputFile(1))
	publisher := &recordingPublisher{}
	orch := newTestOrchestrator(t, testConfig(), Dependencies{Store: store, Getter: &fakeGetter{}, Publisher: publisher, Topic: "runs"})

	_, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, publisher.messages, 1)
	require.IsType(t, RunReport{}, publisher.messages[0])
}
