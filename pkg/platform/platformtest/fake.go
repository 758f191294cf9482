// Package platformtest provides an in-memory platform.Client for tests.
package platformtest

import (
	"context"
	"crypto/sha1" //nolint:gosec // content digest, not a security boundary
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/chalsync/chalsync/pkg/challenge"
	"github.com/chalsync/chalsync/pkg/platform"
)

// Call records one invocation.
type Call struct {
	Method string
	ID     string
}

type fault struct {
	err       error
	remaining int // <0 means forever
}

// Fake is a platform.Client backed by a map. It is safe for concurrent use.
type Fake struct {
	// PageSize bounds ListChallenges pages. Zero means 2.
	PageSize int

	// Delay is applied to every call before it takes effect.
	Delay time.Duration

	// Hook runs at the start of every call, outside the lock.
	Hook func(method, id string)

	mu          sync.Mutex
	challenges  map[string]*platform.RemoteChallenge
	calls       []Call
	faults      map[Call]*fault
	inFlight    int
	maxInFlight int
}

var _ platform.Client = (*Fake)(nil)

// New creates a fake seeded with defs as they would look after a full deploy.
func New(defs ...challenge.Definition) *Fake {
	f := &Fake{
		challenges: make(map[string]*platform.RemoteChallenge),
		faults:     make(map[Call]*fault),
	}
	for _, d := range defs {
		f.Seed(d)
	}
	return f
}

// Seed stores d as a remote challenge. File digests are taken from d.
func (f *Fake) Seed(d challenge.Definition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.challenges[d.ID] = toRemote(d)
}

// SeedRemote stores a raw remote record.
func (f *Fake) SeedRemote(r platform.RemoteChallenge) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := r
	f.challenges[r.ID] = &c
}

// FailOn makes method fail for id with err on every call. An empty id
// matches every id.
func (f *Fake) FailOn(method, id string, err error) {
	f.FailTimes(method, id, -1, err)
}

// FailTimes makes the next n calls of method for id fail with err.
func (f *Fake) FailTimes(method, id string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[Call{Method: method, ID: id}] = &fault{err: err, remaining: n}
}

// Calls returns every call made so far, in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// MutatingCalls returns the calls that change remote state.
func (f *Fake) MutatingCalls() []Call {
	var out []Call
	for _, c := range f.Calls() {
		if platform.IsMutating(c.Method) {
			out = append(out, c)
		}
	}
	return out
}

// CallsTo returns the calls made to method.
func (f *Fake) CallsTo(method string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// MaxInFlight returns the highest number of concurrent calls observed.
func (f *Fake) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

// Reset clears recorded calls and faults, keeping state.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.faults = make(map[Call]*fault)
	f.maxInFlight = 0
}

// Snapshot returns the normalized remote state.
func (f *Fake) Snapshot() map[string]challenge.Definition {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]challenge.Definition, len(f.challenges))
	for id, r := range f.challenges {
		out[id] = r.Normalize()
	}
	return out
}

// begin records the call, applies delay and faults, and returns a release
// func. The lock is not held on return.
func (f *Fake) begin(ctx context.Context, method, id string) (func(), error) {
	if f.Hook != nil {
		f.Hook(method, id)
	}

	f.mu.Lock()
	f.calls = append(f.calls, Call{Method: method, ID: id})
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	err := f.takeFault(method, id)
	f.mu.Unlock()

	release := func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}

	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			release()
			return nil, platform.Classify(method, id, ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		release()
		return nil, platform.Classify(method, id, err)
	}
	if err != nil {
		release()
		return nil, err
	}
	return release, nil
}

func (f *Fake) takeFault(method, id string) error {
	for _, key := range []Call{{Method: method, ID: id}, {Method: method}} {
		flt, ok := f.faults[key]
		if !ok || flt.remaining == 0 {
			continue
		}
		if flt.remaining > 0 {
			flt.remaining--
		}
		return flt.err
	}
	return nil
}

func notFound(method, id string) error {
	return platform.NewError(platform.KindNotFound, method, id, fmt.Errorf("challenge %q does not exist", id))
}

// ListChallenges implements platform.Client.
func (f *Fake) ListChallenges(ctx context.Context, cursor string) ([]platform.RemoteSummary, string, error) {
	release, err := f.begin(ctx, platform.MethodListChallenges, cursor)
	if err != nil {
		return nil, "", err
	}
	defer release()

	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]string, 0, len(f.challenges))
	for id := range f.challenges {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	start := 0
	if cursor != "" {
		start = sort.SearchStrings(ids, cursor)
	}
	size := f.PageSize
	if size <= 0 {
		size = 2
	}
	end := min(start+size, len(ids))

	page := make([]platform.RemoteSummary, 0, end-start)
	for _, id := range ids[start:end] {
		r := f.challenges[id]
		page = append(page, platform.RemoteSummary{ID: id, Name: r.Name, Category: r.Category, Visibility: r.State})
	}
	next := ""
	if end < len(ids) {
		next = ids[end]
	}
	return page, next, nil
}

// GetChallenge implements platform.Client.
func (f *Fake) GetChallenge(ctx context.Context, id string) (*platform.RemoteChallenge, error) {
	release, err := f.begin(ctx, platform.MethodGetChallenge, id)
	if err != nil {
		return nil, err
	}
	defer release()

	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.challenges[id]
	if !ok {
		return nil, notFound(platform.MethodGetChallenge, id)
	}
	c := *r
	c.Flags = slices.Clone(r.Flags)
	c.Hints = slices.Clone(r.Hints)
	c.Files = slices.Clone(r.Files)
	c.Prerequisites = slices.Clone(r.Prerequisites)
	c.Tags = slices.Clone(r.Tags)
	return &c, nil
}

// CreateChallenge implements platform.Client.
func (f *Fake) CreateChallenge(ctx context.Context, def challenge.Definition) error {
	release, err := f.begin(ctx, platform.MethodCreateChallenge, def.ID)
	if err != nil {
		return err
	}
	defer release()

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.challenges[def.ID]; ok {
		return platform.NewError(platform.KindRejected, platform.MethodCreateChallenge, def.ID,
			fmt.Errorf("challenge %q already exists", def.ID))
	}
	f.challenges[def.ID] = toRemote(def.Base())
	return nil
}

// UpdateChallenge implements platform.Client.
func (f *Fake) UpdateChallenge(ctx context.Context, id string, patch challenge.Patch) error {
	return f.mutate(ctx, platform.MethodUpdateChallenge, id, func(r *platform.RemoteChallenge) error {
		d := r.Normalize()
		patch.Apply(&d)
		r.Name = d.Name
		r.Category = d.Category
		r.Description = d.Description
		r.Value = d.Value
		r.State = string(d.Visibility)
		r.ConnectionInfo = d.ConnectionInfo
		r.MaxAttempts = d.MaxAttempts
		return nil
	})
}

// DeleteChallenge implements platform.Client.
func (f *Fake) DeleteChallenge(ctx context.Context, id string) error {
	release, err := f.begin(ctx, platform.MethodDeleteChallenge, id)
	if err != nil {
		return err
	}
	defer release()

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.challenges[id]; !ok {
		return notFound(platform.MethodDeleteChallenge, id)
	}
	delete(f.challenges, id)
	return nil
}

// SetFlags implements platform.Client.
func (f *Fake) SetFlags(ctx context.Context, id string, flags []challenge.Flag) error {
	return f.mutate(ctx, platform.MethodSetFlags, id, func(r *platform.RemoteChallenge) error {
		r.Flags = toRemoteFlags(flags)
		return nil
	})
}

// SetHints implements platform.Client.
func (f *Fake) SetHints(ctx context.Context, id string, hints []challenge.Hint) error {
	return f.mutate(ctx, platform.MethodSetHints, id, func(r *platform.RemoteChallenge) error {
		r.Hints = toRemoteHints(hints)
		return nil
	})
}

// SetTags implements platform.Client.
func (f *Fake) SetTags(ctx context.Context, id string, tags []string) error {
	return f.mutate(ctx, platform.MethodSetTags, id, func(r *platform.RemoteChallenge) error {
		r.Tags = slices.Clone(tags)
		return nil
	})
}

// UploadFile implements platform.Client. The stored digest is computed
// from the uploaded content.
func (f *Fake) UploadFile(ctx context.Context, id string, file platform.FileUpload) error {
	var digest string
	if file.Content != nil {
		h := sha1.New() //nolint:gosec // content digest
		if _, err := io.Copy(h, file.Content); err != nil {
			return platform.NewError(platform.KindNetworkError, platform.MethodUploadFile, id, err)
		}
		digest = hex.EncodeToString(h.Sum(nil))
	}

	return f.mutate(ctx, platform.MethodUploadFile, id, func(r *platform.RemoteChallenge) error {
		r.Files = slices.DeleteFunc(r.Files, func(rf platform.RemoteFile) bool {
			return path.Base(rf.Location) == file.Name
		})
		r.Files = append(r.Files, platform.RemoteFile{Location: "fake/" + file.Name, SHA1: digest})
		return nil
	})
}

// SetPrerequisites implements platform.Client. Every prerequisite must
// already exist remotely.
func (f *Fake) SetPrerequisites(ctx context.Context, id string, ids []string) error {
	return f.mutate(ctx, platform.MethodSetPrerequisites, id, func(r *platform.RemoteChallenge) error {
		for _, p := range ids {
			if _, ok := f.challenges[p]; !ok {
				return platform.NewError(platform.KindRejected, platform.MethodSetPrerequisites, id,
					fmt.Errorf("prerequisite %q does not exist", p))
			}
		}
		r.Prerequisites = slices.Clone(ids)
		return nil
	})
}

func (f *Fake) mutate(ctx context.Context, method, id string, fn func(r *platform.RemoteChallenge) error) error {
	release, err := f.begin(ctx, method, id)
	if err != nil {
		return err
	}
	defer release()

	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.challenges[id]
	if !ok {
		return notFound(method, id)
	}
	return fn(r)
}

func toRemote(d challenge.Definition) *platform.RemoteChallenge {
	r := &platform.RemoteChallenge{
		ID:             d.ID,
		Name:           d.DisplayName(),
		Category:       d.Category,
		Description:    d.Description,
		Value:          d.Value,
		State:          string(d.Visibility),
		ConnectionInfo: d.ConnectionInfo,
		MaxAttempts:    d.MaxAttempts,
		Flags:          toRemoteFlags(d.Flags),
		Hints:          toRemoteHints(d.Hints),
		Prerequisites:  slices.Clone(d.Prerequisites),
		Tags:           slices.Clone(d.Tags),
	}
	if r.State == "" {
		r.State = string(challenge.VisibilityHidden)
	}
	for _, file := range d.Files {
		r.Files = append(r.Files, platform.RemoteFile{Location: "fake/" + file.Name, SHA1: file.SHA1})
	}
	return r
}

func toRemoteFlags(flags []challenge.Flag) []platform.RemoteFlag {
	out := make([]platform.RemoteFlag, 0, len(flags))
	for _, fl := range flags {
		rf := platform.RemoteFlag{Type: string(fl.Mode), Content: fl.Value}
		if fl.CaseInsensitive {
			rf.Data = platform.FlagDataCaseInsensitive
		}
		out = append(out, rf)
	}
	return out
}

func toRemoteHints(hints []challenge.Hint) []platform.RemoteHint {
	out := make([]platform.RemoteHint, 0, len(hints))
	for _, h := range hints {
		out = append(out, platform.RemoteHint{Content: h.Content, Cost: h.Cost})
	}
	return out
}
