package assessment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"vigil/internal/audit"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// newTestStore opens a fresh in-memory database per test and wires a store
// with a controllable clock.
func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("unwrap db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := gdb.AutoMigrate(&Assessment{}, &audit.Entry{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	clk := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := &Store{
		DB:                    gdb,
		Recorder:              &audit.Recorder{DB: gdb},
		DefaultTimeoutSeconds: 300,
		DefaultMaxRetries:     3,
		Now:                   func() time.Time { return clk.now },
	}
	return store, clk
}

func intptr(n int) *int { return &n }

func strptr(s string) *string { return &s }

func TestCreateDefaults(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, CreateSpec{
		RequestData: json.RawMessage(`{"target":"db-7"}`),
		Source:      "db-7",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated assessment id")
	}

	a, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.State != StatePending || a.Version != 1 || a.Progress != 0 || a.RetryCount != 0 {
		t.Errorf("unexpected fresh record: state=%s version=%d progress=%d retries=%d",
			a.State, a.Version, a.Progress, a.RetryCount)
	}
	if a.MaxRetries != 3 || a.TimeoutSeconds != 300 || a.Priority != 5 {
		t.Errorf("defaults not applied: maxRetries=%d timeout=%d priority=%d",
			a.MaxRetries, a.TimeoutSeconds, a.Priority)
	}
	if a.CompletedAt != nil || a.NextRetryAt != nil {
		t.Error("fresh record must have nil completedAt and nextRetryAt")
	}

	trail, err := store.Recorder.Trail(ctx, id)
	if err != nil {
		t.Fatalf("trail: %v", err)
	}
	if len(trail) != 1 || trail[0].NewState != string(StatePending) || trail[0].VersionTo != 1 {
		t.Errorf("expected one creation audit entry, got %+v", trail)
	}
}

func TestCreateDuplicate(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, CreateSpec{AssessmentID: "a-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := store.Create(ctx, CreateSpec{AssessmentID: "a-1"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestCreateRejectsBadPriority(t *testing.T) {
	store, _ := newTestStore(t)

	if _, err := store.Create(context.Background(), CreateSpec{Priority: 11}); err == nil {
		t.Fatal("expected error for priority 11")
	}
}

func TestGetNotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransitionNotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Transition(context.Background(), "missing", 1, StateProcessing, Fields{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimAndComplete(t *testing.T) {
	store, clk := newTestStore(t)
	ctx := context.Background()

	id, _ := store.Create(ctx, CreateSpec{})

	v, err := store.Transition(ctx, id, 1, StateProcessing, Fields{ChangedBy: "proc-1", ChangeAction: "claim"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if v != 2 {
		t.Fatalf("expected version 2 after claim, got %d", v)
	}

	a, _ := store.Get(ctx, id)
	if a.State != StateProcessing || a.Progress <= 0 {
		t.Errorf("processing record must have progress > 0, got state=%s progress=%d", a.State, a.Progress)
	}

	clk.Advance(90 * time.Second)
	v, err = store.Transition(ctx, id, 2, StateCompleted, Fields{
		ResultData: json.RawMessage(`{"score":97}`),
		ChangedBy:  "proc-1",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if v != 3 {
		t.Fatalf("expected version 3, got %d", v)
	}

	a, _ = store.Get(ctx, id)
	if a.State != StateCompleted || a.Progress != 100 {
		t.Errorf("completed record: state=%s progress=%d", a.State, a.Progress)
	}
	if a.CompletedAt == nil || !a.CompletedAt.Equal(clk.now) {
		t.Errorf("completedAt not set to completion time: %v", a.CompletedAt)
	}
	if string(a.ResultData) != `{"score":97}` {
		t.Errorf("result data not stored: %s", a.ResultData)
	}
}

func TestStaleVersionConflicts(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, _ := store.Create(ctx, CreateSpec{})
	if _, err := store.Transition(ctx, id, 1, StateProcessing, Fields{}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// replaying the old version must fail without touching the record
	_, err := store.Transition(ctx, id, 1, StateCancelled, Fields{})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	a, _ := store.Get(ctx, id)
	if a.State != StateProcessing || a.Version != 2 {
		t.Errorf("record mutated by rejected call: state=%s version=%d", a.State, a.Version)
	}
}

func TestConcurrentClaimsOneWinner(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, _ := store.Create(ctx, CreateSpec{})

	const claimers = 4
	errs := make([]error, claimers)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Transition(ctx, id, 1, StateProcessing, Fields{
				ChangedBy: fmt.Sprintf("proc-%d", i),
			})
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrVersionConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != claimers-1 {
		t.Fatalf("expected exactly one winner, got %d wins / %d conflicts", wins, conflicts)
	}

	a, _ := store.Get(ctx, id)
	if a.Version != 2 {
		t.Errorf("expected version 2 after the race, got %d", a.Version)
	}
}

func TestTerminalRecordIsImmutable(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, _ := store.Create(ctx, CreateSpec{})
	_, _ = store.Transition(ctx, id, 1, StateProcessing, Fields{})
	_, _ = store.Transition(ctx, id, 2, StateCompleted, Fields{})

	before, _ := store.Get(ctx, id)

	for _, target := range []State{StatePending, StateProcessing, StateFailed, StateCancelled} {
		_, err := store.Transition(ctx, id, 3, target, Fields{})
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("completed -> %s: expected ErrInvalidTransition, got %v", target, err)
		}
	}

	after, _ := store.Get(ctx, id)
	if after.Version != before.Version || after.State != before.State || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("rejected transitions mutated a terminal record")
	}
}

func TestCancelPending(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, _ := store.Create(ctx, CreateSpec{})
	if _, err := store.Transition(ctx, id, 1, StateCancelled, Fields{ChangeReason: "caller gave up"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	a, _ := store.Get(ctx, id)
	if a.State != StateCancelled || a.Progress != 100 || a.CompletedAt == nil {
		t.Errorf("cancelled record: state=%s progress=%d completedAt=%v", a.State, a.Progress, a.CompletedAt)
	}

	// a processing job cannot be cancelled directly
	id2, _ := store.Create(ctx, CreateSpec{})
	_, _ = store.Transition(ctx, id2, 1, StateProcessing, Fields{})
	if _, err := store.Transition(ctx, id2, 2, StateCancelled, Fields{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("processing -> cancelled: expected ErrInvalidTransition, got %v", err)
	}
}

func TestRetryLifecycle(t *testing.T) {
	store, clk := newTestStore(t)
	ctx := context.Background()

	id, _ := store.Create(ctx, CreateSpec{MaxRetries: 2})
	_, _ = store.Transition(ctx, id, 1, StateProcessing, Fields{})
	_, err := store.Transition(ctx, id, 2, StateFailed, Fields{ErrorMessage: strptr("probe refused")})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}

	a, _ := store.Get(ctx, id)
	if a.CompletedAt == nil || a.ErrorMessage == nil || *a.ErrorMessage != "probe refused" {
		t.Errorf("failed record: completedAt=%v err=%v", a.CompletedAt, a.ErrorMessage)
	}

	// re-queue with a backoff schedule
	next := clk.now.Add(30 * time.Second)
	if _, err := store.Transition(ctx, id, 3, StatePending, Fields{NextRetryAt: &next}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	a, _ = store.Get(ctx, id)
	if a.State != StatePending || a.RetryCount != 1 || a.Progress != 0 {
		t.Errorf("retried record: state=%s retries=%d progress=%d", a.State, a.RetryCount, a.Progress)
	}
	if a.CompletedAt != nil {
		t.Error("retried record must clear completedAt")
	}
	if a.NextRetryAt == nil || !a.NextRetryAt.Equal(next) {
		t.Errorf("nextRetryAt not scheduled: %v", a.NextRetryAt)
	}

	// a claim sheds the retry schedule
	if _, err := store.Transition(ctx, id, 4, StateProcessing, Fields{}); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	a, _ = store.Get(ctx, id)
	if a.NextRetryAt != nil {
		t.Errorf("claim must clear nextRetryAt, got %v", a.NextRetryAt)
	}
}

func TestCancelClearsRetrySchedule(t *testing.T) {
	store, clk := newTestStore(t)
	ctx := context.Background()

	id, _ := store.Create(ctx, CreateSpec{MaxRetries: 2})
	_, _ = store.Transition(ctx, id, 1, StateProcessing, Fields{})
	_, _ = store.Transition(ctx, id, 2, StateFailed, Fields{})

	next := clk.now.Add(time.Minute)
	if _, err := store.Transition(ctx, id, 3, StatePending, Fields{NextRetryAt: &next}); err != nil {
		t.Fatalf("retry: %v", err)
	}

	// cancelling the re-queued record must not leave its retry schedule
	// behind on a terminal record
	if _, err := store.Transition(ctx, id, 4, StateCancelled, Fields{ChangeReason: "caller gave up"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	a, _ := store.Get(ctx, id)
	if a.State != StateCancelled || !a.Terminal() {
		t.Fatalf("expected terminal cancelled record, got state=%s", a.State)
	}
	if a.NextRetryAt != nil {
		t.Errorf("cancelled record still has nextRetryAt=%v", a.NextRetryAt)
	}
	if a.CompletedAt == nil || a.Progress != 100 {
		t.Errorf("terminal record: completedAt=%v progress=%d", a.CompletedAt, a.Progress)
	}
}

func TestRetryBoundIsPermanent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, _ := store.Create(ctx, CreateSpec{MaxRetries: 1})
	_, _ = store.Transition(ctx, id, 1, StateProcessing, Fields{})
	_, _ = store.Transition(ctx, id, 2, StateFailed, Fields{})
	_, _ = store.Transition(ctx, id, 3, StatePending, Fields{}) // retry 1 of 1
	_, _ = store.Transition(ctx, id, 4, StateProcessing, Fields{})
	_, _ = store.Transition(ctx, id, 5, StateFailed, Fields{})

	a, _ := store.Get(ctx, id)
	if a.RetryCount != a.MaxRetries {
		t.Fatalf("expected retryCount at the bound, got %d/%d", a.RetryCount, a.MaxRetries)
	}
	if !a.Terminal() {
		t.Error("failed at the retry bound must be terminal")
	}

	_, err := store.Transition(ctx, id, 6, StatePending, Fields{})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition past the retry bound, got %v", err)
	}
}

func TestProgressClamp(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, _ := store.Create(ctx, CreateSpec{})
	if _, err := store.Transition(ctx, id, 1, StateProcessing, Fields{Progress: intptr(250)}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	a, _ := store.Get(ctx, id)
	if a.Progress != 99 {
		t.Errorf("progress not clamped below 100 while processing: %d", a.Progress)
	}
}

func TestAuditReplayMatchesRecord(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, _ := store.Create(ctx, CreateSpec{MaxRetries: 2})
	_, _ = store.Transition(ctx, id, 1, StateProcessing, Fields{ChangedBy: "proc-1"})
	_, _ = store.Transition(ctx, id, 2, StateFailed, Fields{ChangedBy: "proc-1"})
	_, _ = store.Transition(ctx, id, 3, StatePending, Fields{ChangedBy: "retry-scheduler"})
	_, _ = store.Transition(ctx, id, 4, StateProcessing, Fields{ChangedBy: "proc-2"})
	_, _ = store.Transition(ctx, id, 5, StateCompleted, Fields{ChangedBy: "proc-2"})

	a, _ := store.Get(ctx, id)
	trail, err := store.Recorder.Trail(ctx, id)
	if err != nil {
		t.Fatalf("trail: %v", err)
	}

	var state string
	var version uint64
	for i, e := range trail {
		if e.VersionFrom != version {
			t.Fatalf("entry %d: version gap, from=%d want %d", i, e.VersionFrom, version)
		}
		if e.VersionTo != e.VersionFrom+1 {
			t.Fatalf("entry %d: version must advance by one, got %d -> %d", i, e.VersionFrom, e.VersionTo)
		}
		if e.OldState != state {
			t.Fatalf("entry %d: old state %q does not chain from %q", i, e.OldState, state)
		}
		state = e.NewState
		version = e.VersionTo
	}
	if state != string(a.State) || version != a.Version {
		t.Errorf("replay ends at %s/%d, record is %s/%d", state, version, a.State, a.Version)
	}
}

type captureSink struct {
	entries []*audit.Entry
}

func (s *captureSink) Notify(e *audit.Entry) { s.entries = append(s.entries, e) }

func TestSinkSeesTerminalTransitions(t *testing.T) {
	store, _ := newTestStore(t)
	sink := &captureSink{}
	store.Sink = sink
	ctx := context.Background()

	id, _ := store.Create(ctx, CreateSpec{})
	_, _ = store.Transition(ctx, id, 1, StateProcessing, Fields{})
	_, _ = store.Transition(ctx, id, 2, StateCompleted, Fields{})

	id2, _ := store.Create(ctx, CreateSpec{MaxRetries: 1})
	_, _ = store.Transition(ctx, id2, 1, StateProcessing, Fields{})
	_, _ = store.Transition(ctx, id2, 2, StateFailed, Fields{})

	if len(sink.entries) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(sink.entries))
	}
	if sink.entries[0].NewState != string(StateCompleted) || sink.entries[1].NewState != string(StateFailed) {
		t.Errorf("unexpected notifications: %+v", sink.entries)
	}
}

func TestList(t *testing.T) {
	store, clk := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.Create(ctx, CreateSpec{
			AssessmentID: fmt.Sprintf("a-%d", i),
			Priority:     i + 1,
			Source:       "cluster-a",
		})
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		clk.Advance(time.Second)
	}
	_, _ = store.Create(ctx, CreateSpec{AssessmentID: "b-0", Priority: 9, Source: "cluster-b"})
	_, _ = store.Transition(ctx, "a-0", 1, StateProcessing, Fields{})

	rows, err := store.List(ctx, Filter{States: []State{StatePending}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 5 {
		t.Errorf("expected 5 pending, got %d", len(rows))
	}

	rows, _ = store.List(ctx, Filter{Source: "cluster-b"})
	if len(rows) != 1 || rows[0].AssessmentID != "b-0" {
		t.Errorf("source filter: %+v", rows)
	}

	rows, _ = store.List(ctx, Filter{PriorityMin: 2, PriorityMax: 3})
	if len(rows) != 2 {
		t.Errorf("priority range filter: expected 2, got %d", len(rows))
	}

	rows, _ = store.List(ctx, Filter{States: []State{StatePending}, OrderBy: "priority", Limit: 2})
	if len(rows) != 2 || rows[0].Priority > rows[1].Priority {
		t.Errorf("priority ordering: %+v", rows)
	}

	rows, _ = store.List(ctx, Filter{States: []State{StatePending}, OrderBy: "priority", Limit: 2, Offset: 4})
	if len(rows) != 1 {
		t.Errorf("pagination: expected 1 row on last page, got %d", len(rows))
	}
}
