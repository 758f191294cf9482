package engine

import (
	"context"
	"crypto/sha1" //nolint:gosec // test digest
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/chalsync/chalsync/pkg/challenge"
	"github.com/chalsync/chalsync/pkg/platform"
	"github.com/chalsync/chalsync/pkg/platform/platformtest"
	"github.com/chalsync/chalsync/pkg/telemetry"
)

func planFor(t *testing.T, store *challenge.Store, fake *platformtest.Fake) *ChangeSet {
	t.Helper()
	return mustDiff(t, store, challenge.All(), snapshotOf(fake))
}

func TestApplier_FailureSkipsDependents(t *testing.T) {
	store := newStore(def("alpha", 100), def("beta", 100, "alpha"), def("gamma", 100))
	fake := platformtest.New()
	cs := planFor(t, store, fake)

	fake.FailOn(platform.MethodCreateChallenge, "alpha", platform.FromStatus(platform.MethodCreateChallenge, "alpha", 500, nil))

	results := NewApplier(fake, Options{Writes: 2}, nil, nil).Apply(context.Background(), "run-1", cs)

	if len(results) != cs.Len() {
		t.Fatalf("Expected %d results, got %d", cs.Len(), len(results))
	}
	want := map[string]ResultStatus{
		"create:alpha":           ResultFailed,
		"set_flags:alpha":        ResultSkipped,
		"create:beta":            ResultSkipped,
		"set_prerequisites:beta": ResultSkipped,
		"set_flags:beta":         ResultSkipped,
		"create:gamma":           ResultSucceeded,
		"set_flags:gamma":        ResultSucceeded,
	}
	if diff := cmp.Diff(want, resultStatuses(results)); diff != "" {
		t.Fatalf("Unexpected statuses (-want +got):\n%s", diff)
	}

	for i, r := range results {
		if r.OperationID != cs.Operations[i].ID {
			t.Fatalf("Result %d is for %s, expected change set order", i, r.OperationID)
		}
	}

	failed := results[0]
	if failed.ErrorKind != platform.KindServerError {
		t.Errorf("Expected ServerError kind, got %q", failed.ErrorKind)
	}
	if results[1].Message != "dependency create:alpha failed" {
		t.Errorf("Unexpected skip reason %q", results[1].Message)
	}
	for _, r := range results {
		if r.OperationID == "create:beta" && r.Message != "dependency create:alpha failed" {
			t.Errorf("Unexpected skip reason for create:beta %q", r.Message)
		}
	}
	if _, ok := fake.Snapshot()["beta"]; ok {
		t.Error("Expected beta not to be created after its prerequisite failed")
	}
	if n := len(fake.CallsTo(platform.MethodCreateChallenge)); n != 2 {
		t.Errorf("Expected 2 create calls (no retries), got %d", n)
	}
}

func TestApplier_StrictOrderWithSingleWriter(t *testing.T) {
	store := newStore(def("alpha", 100), def("beta", 200, "alpha"))
	fake := platformtest.New()
	cs := planFor(t, store, fake)

	results := NewApplier(fake, Options{Writes: 1}, nil, nil).Apply(context.Background(), "run-1", cs)

	for _, r := range results {
		if r.Status != ResultSucceeded {
			t.Fatalf("Expected %s to succeed, got %s: %s", r.OperationID, r.Status, r.Message)
		}
	}

	var got []string
	for _, c := range fake.MutatingCalls() {
		got = append(got, c.Method+" "+c.ID)
	}
	want := []string{
		"CreateChallenge alpha",
		"SetFlags alpha",
		"CreateChallenge beta",
		"SetPrerequisites beta",
		"SetFlags beta",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Unexpected call order (-want +got):\n%s", diff)
	}
}

func TestApplier_BoundsConcurrentWrites(t *testing.T) {
	var defs []challenge.Definition
	for i := 0; i < 8; i++ {
		defs = append(defs, def(fmt.Sprintf("c%02d", i), 100))
	}
	fake := platformtest.New()
	cs := planFor(t, newStore(defs...), fake)
	fake.Delay = 5 * time.Millisecond

	results := NewApplier(fake, Options{Writes: 2}, nil, nil).Apply(context.Background(), "run-1", cs)

	succeeded, failed, skipped := countResults(results)
	if succeeded != 16 || failed != 0 || skipped != 0 {
		t.Fatalf("Expected 16 successes, got %d/%d/%d", succeeded, failed, skipped)
	}
	if got := fake.MaxInFlight(); got > 2 {
		t.Errorf("Expected at most 2 concurrent writes, got %d", got)
	}
}

func TestApplier_DependentsNeverOverlap(t *testing.T) {
	store := newStore(def("alpha", 100), def("beta", 100, "alpha"))
	fake := platformtest.New()
	cs := planFor(t, store, fake)

	var mu sync.Mutex
	var early []string
	fake.Delay = 2 * time.Millisecond
	fake.Hook = func(method, id string) {
		if method != platform.MethodSetPrerequisites {
			return
		}
		if _, ok := fake.Snapshot()["alpha"]; !ok {
			mu.Lock()
			early = append(early, id)
			mu.Unlock()
		}
	}

	results := NewApplier(fake, Options{Writes: 4}, nil, nil).Apply(context.Background(), "run-1", cs)

	calls := fake.MutatingCalls()
	createAlpha, setPrereq := -1, -1
	for i, c := range calls {
		if c.Method == platform.MethodCreateChallenge && c.ID == "alpha" {
			createAlpha = i
		}
		if c.Method == platform.MethodSetPrerequisites && c.ID == "beta" {
			setPrereq = i
		}
	}
	if createAlpha < 0 || setPrereq < 0 || setPrereq < createAlpha {
		t.Fatalf("Expected create alpha before set prerequisites beta, got %v", calls)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(early) != 0 {
		t.Errorf("Prerequisites set before alpha existed: %v", early)
	}
	for _, r := range results {
		if r.Status != ResultSucceeded {
			t.Errorf("Expected %s to succeed, got %s", r.OperationID, r.Status)
		}
	}
}

func TestApplier_CreatesOfDependentsNeverOverlap(t *testing.T) {
	store := newStore(def("alpha", 100), def("beta", 100, "alpha"), def("gamma", 100, "beta"))
	fake := platformtest.New()
	cs := planFor(t, store, fake)

	var mu sync.Mutex
	var early []string
	fake.Delay = 5 * time.Millisecond
	fake.Hook = func(method, id string) {
		if method != platform.MethodCreateChallenge {
			return
		}
		prereq := map[string]string{"beta": "alpha", "gamma": "beta"}[id]
		if prereq == "" {
			return
		}
		if _, ok := fake.Snapshot()[prereq]; !ok {
			mu.Lock()
			early = append(early, id)
			mu.Unlock()
		}
	}

	results := NewApplier(fake, Options{Writes: 8}, nil, nil).Apply(context.Background(), "run-1", cs)

	for _, r := range results {
		if r.Status != ResultSucceeded {
			t.Fatalf("Expected %s to succeed, got %s: %s", r.OperationID, r.Status, r.Message)
		}
	}
	var creates []string
	for _, c := range fake.CallsTo(platform.MethodCreateChallenge) {
		creates = append(creates, c.ID)
	}
	if diff := cmp.Diff([]string{"alpha", "beta", "gamma"}, creates); diff != "" {
		t.Errorf("Unexpected create order (-want +got):\n%s", diff)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(early) != 0 {
		t.Errorf("Created before their prerequisite existed: %v", early)
	}
}

func TestApplier_WaitingOperationHoldsNoSlot(t *testing.T) {
	store := newStore(def("alpha", 100), def("gamma", 100))
	fake := platformtest.New()
	cs := planFor(t, store, fake)

	// set_flags:alpha sits between the two creates and waits on create:alpha.
	var mu sync.Mutex
	var alphaDoneFirst bool
	fake.Delay = 20 * time.Millisecond
	fake.Hook = func(method, id string) {
		if method == platform.MethodCreateChallenge && id == "gamma" {
			_, ok := fake.Snapshot()["alpha"]
			mu.Lock()
			alphaDoneFirst = ok
			mu.Unlock()
		}
	}

	results := NewApplier(fake, Options{Writes: 2}, nil, nil).Apply(context.Background(), "run-1", cs)

	for _, r := range results {
		if r.Status != ResultSucceeded {
			t.Fatalf("Expected %s to succeed, got %s: %s", r.OperationID, r.Status, r.Message)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if alphaDoneFirst {
		t.Error("Expected create:gamma to run alongside create:alpha instead of queueing behind set_flags:alpha")
	}
	if got := fake.MaxInFlight(); got != 2 {
		t.Errorf("Expected 2 concurrent writes, got %d", got)
	}
}

func TestApplier_CancellationStopsDispatch(t *testing.T) {
	store := newStore(def("alpha", 100), def("beta", 100), def("gamma", 100))
	fake := platformtest.New()
	cs := planFor(t, store, fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fake.Hook = func(method, id string) {
		if method == platform.MethodCreateChallenge && id == "alpha" {
			cancel()
		}
	}

	results := NewApplier(fake, Options{Writes: 1}, nil, nil).Apply(ctx, "run-1", cs)

	if results[0].Status != ResultSucceeded {
		t.Fatalf("Expected in-flight create to complete, got %s: %s", results[0].Status, results[0].Message)
	}
	for _, r := range results[1:] {
		if r.Status != ResultSkipped || r.Message != "cancelled" {
			t.Errorf("Expected %s to be skipped as cancelled, got %s %q", r.OperationID, r.Status, r.Message)
		}
	}
	if n := len(fake.MutatingCalls()); n != 1 {
		t.Errorf("Expected exactly one mutation, got %d", n)
	}
}

func TestApplier_SyncsTags(t *testing.T) {
	local := def("alpha", 100)
	local.Tags = []string{"alice"}
	remote := def("alpha", 100)
	remote.Tags = []string{"mallory"}
	fake := platformtest.New(remote)
	cs := planFor(t, newStore(local), fake)

	results := NewApplier(fake, Options{}, nil, nil).Apply(context.Background(), "run-1", cs)

	if len(results) != 1 || results[0].Status != ResultSucceeded {
		t.Fatalf("Expected set_tags to succeed, got %+v", results)
	}
	if diff := cmp.Diff([]string{"alice"}, fake.Snapshot()["alpha"].Tags); diff != "" {
		t.Errorf("Unexpected remote tags (-want +got):\n%s", diff)
	}
	if n := len(fake.CallsTo(platform.MethodSetTags)); n != 1 {
		t.Errorf("Expected one SetTags call, got %d", n)
	}
}

func TestApplier_UploadsFromFileSystem(t *testing.T) {
	content := []byte("attachment")
	sum := sha1.Sum(content) //nolint:gosec // test digest
	digest := hex.EncodeToString(sum[:])

	local := def("alpha", 100)
	local.Files = []challenge.File{
		{Name: "notes.txt", Path: "alpha/notes.txt", SHA1: digest},
		{Name: "lost.bin", Path: "alpha/lost.bin"},
	}
	files := fstest.MapFS{"alpha/notes.txt": {Data: content}}
	store := challenge.NewStore([]challenge.Definition{local}, challenge.StoreOptions{Files: files})

	remote := local
	remote.Files = nil
	fake := platformtest.New(remote)
	cs := planFor(t, store, fake)

	results := NewApplier(fake, Options{}, files, nil).Apply(context.Background(), "run-1", cs)

	want := map[string]ResultStatus{
		"upload_file:alpha:lost.bin":  ResultFailed,
		"upload_file:alpha:notes.txt": ResultSkipped,
	}
	if diff := cmp.Diff(want, resultStatuses(results)); diff != "" {
		t.Fatalf("Unexpected statuses (-want +got):\n%s", diff)
	}
	if results[0].ErrorKind != "" {
		t.Errorf("Expected no remote error kind for a local failure, got %q", results[0].ErrorKind)
	}
	if !strings.Contains(results[0].Message, "alpha/lost.bin") {
		t.Errorf("Expected message to name the file, got %q", results[0].Message)
	}
	if n := len(fake.MutatingCalls()); n != 0 {
		t.Errorf("Expected no upload calls, got %d", n)
	}

	// Without the broken file the upload goes through with the right digest.
	local.Files = local.Files[:1]
	store = challenge.NewStore([]challenge.Definition{local}, challenge.StoreOptions{Files: files})
	cs = planFor(t, store, fake)
	results = NewApplier(fake, Options{}, files, nil).Apply(context.Background(), "run-2", cs)
	if results[0].Status != ResultSucceeded {
		t.Fatalf("Expected upload to succeed, got %s: %s", results[0].Status, results[0].Message)
	}
	if got := fake.Snapshot()["alpha"].Files[0].SHA1; got != digest {
		t.Errorf("Expected remote digest %s, got %s", digest, got)
	}
}

func TestApplier_PublishesProgress(t *testing.T) {
	tel := telemetry.NewNopTelemetry()
	tel.Events = telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})

	var mu sync.Mutex
	var types []string
	tel.Events.Subscribe(func(e telemetry.Event) {
		mu.Lock()
		types = append(types, e.Type+" "+e.OperationID)
		mu.Unlock()
	}, telemetry.FilterByRunID("run-9"))

	fake := platformtest.New()
	fake.FailOn(platform.MethodSetFlags, "alpha", platform.FromStatus(platform.MethodSetFlags, "alpha", 400, nil))
	cs := planFor(t, newStore(def("alpha", 100)), fake)

	NewApplier(fake, Options{Writes: 1}, nil, tel).Apply(context.Background(), "run-9", cs)

	want := []string{
		telemetry.EventTypeOperationStarted + " create:alpha",
		telemetry.EventTypeOperationSucceeded + " create:alpha",
		telemetry.EventTypeOperationStarted + " set_flags:alpha",
		telemetry.EventTypeOperationFailed + " set_flags:alpha",
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff(want, types); diff != "" {
		t.Fatalf("Unexpected events (-want +got):\n%s", diff)
	}
}

func TestApplier_EmptyChangeSet(t *testing.T) {
	fake := platformtest.New()
	if results := NewApplier(fake, Options{}, nil, nil).Apply(context.Background(), "run-1", newChangeSet(nil, nil)); results != nil {
		t.Fatalf("Expected no results, got %v", results)
	}
	if len(fake.Calls()) != 0 {
		t.Fatal("Expected no calls")
	}
}
