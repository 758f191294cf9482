package engine

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chalsync/chalsync/pkg/challenge"
	"github.com/chalsync/chalsync/pkg/platform"
	"github.com/chalsync/chalsync/pkg/telemetry"
)

// Snapshot is the normalized remote state of one run. It is never mutated
// after Read returns.
type Snapshot struct {
	Challenges map[string]challenge.Definition

	// Complete is true when every remote challenge was listed, so absence
	// from the snapshot means absence from the platform.
	Complete bool

	ReadAt time.Time
}

// Get returns the remote definition of id.
func (s *Snapshot) Get(id string) (challenge.Definition, bool) {
	d, ok := s.Challenges[id]
	return d, ok
}

// Has reports whether id exists remotely.
func (s *Snapshot) Has(id string) bool {
	_, ok := s.Challenges[id]
	return ok
}

// IDs returns the remote ids, sorted.
func (s *Snapshot) IDs() []string {
	ids := make([]string, 0, len(s.Challenges))
	for id := range s.Challenges {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Reader builds a Snapshot from read-only platform calls.
type Reader struct {
	client platform.Client
	opts   Options
	tel    *telemetry.Telemetry
	logger *telemetry.Logger

	// sleep waits between retries; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewReader creates a reader. A nil tel disables telemetry.
func NewReader(client platform.Client, opts Options, tel *telemetry.Telemetry) *Reader {
	tel = tel.OrNop()
	return &Reader{
		client: client,
		opts:   opts.withDefaults(),
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("reader"),
		sleep:  sleepContext,
	}
}

// Read fetches the challenges of interest. A nil interest set lists every
// remote challenge. Ids in interest that do not exist remotely are simply
// absent from the snapshot. Any other failure that survives retries aborts
// the read: a partial view is never returned.
func (r *Reader) Read(ctx context.Context, interest []string) (*Snapshot, error) {
	if telemetry.FromTelemetryContext(ctx) == nil {
		ctx = r.tel.WithContext(ctx)
	}
	ic := telemetry.StartOperation(ctx, "reader.read")
	snap, err := r.read(ic.Ctx, interest)
	ic.End(err)
	if err != nil {
		return nil, err
	}

	r.logger.WithFields(map[string]interface{}{
		"challenges": len(snap.Challenges),
		"complete":   snap.Complete,
		"duration":   ic.Timer.Duration().String(),
	}).Debug("Remote state read")
	return snap, nil
}

func (r *Reader) read(ctx context.Context, interest []string) (*Snapshot, error) {
	snap := &Snapshot{
		Challenges: make(map[string]challenge.Definition),
		Complete:   interest == nil,
	}

	ids := slices.Clone(interest)
	if interest == nil {
		listed, err := r.list(ctx)
		if err != nil {
			return nil, err
		}
		ids = listed
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Reads)

	for _, id := range ids {
		g.Go(func() error {
			var remote *platform.RemoteChallenge
			err := r.withRetry(gctx, platform.MethodGetChallenge, id, func(callCtx context.Context) error {
				var err error
				remote, err = r.client.GetChallenge(callCtx, id)
				return err
			})
			if platform.KindOf(err) == platform.KindNotFound {
				// Deleted between list and get, or never deployed.
				return nil
			}
			if err != nil {
				return err
			}

			def := remote.Normalize()
			if def.ID == "" {
				def.ID = id
			}
			if def.ID != id {
				return fmt.Errorf("remote challenge %q reported id %q", id, def.ID)
			}

			mu.Lock()
			snap.Challenges[id] = def
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("reading remote state: %w", err)
	}

	snap.ReadAt = time.Now()
	return snap, nil
}

// list pages through every remote challenge.
func (r *Reader) list(ctx context.Context) ([]string, error) {
	var ids []string
	seen := make(map[string]bool)
	seenCursors := make(map[string]bool)

	cursor := ""
	for {
		var page []platform.RemoteSummary
		var next string
		err := r.withRetry(ctx, platform.MethodListChallenges, "", func(callCtx context.Context) error {
			var err error
			page, next, err = r.client.ListChallenges(callCtx, cursor)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("listing remote challenges: %w", err)
		}

		for _, s := range page {
			if seen[s.ID] {
				return nil, fmt.Errorf("listing remote challenges: id %q returned twice", s.ID)
			}
			seen[s.ID] = true
			ids = append(ids, s.ID)
		}

		if next == "" {
			return ids, nil
		}
		if seenCursors[next] {
			return nil, fmt.Errorf("listing remote challenges: pagination cursor %q repeated", next)
		}
		seenCursors[next] = true
		cursor = next
	}
}

// withRetry runs fn with a per-call timeout, retrying retryable failures
// up to the policy's attempt ceiling.
func (r *Reader) withRetry(ctx context.Context, method, id string, fn func(ctx context.Context) error) error {
	policy := r.opts.Retry

	var err error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err = telemetry.RecordRemoteCall(ctx, method, id, kindLabel, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, r.opts.RequestTimeout)
			defer cancel()
			return platform.Classify(method, id, fn(callCtx))
		})
		if err == nil || !platform.IsRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return platform.Classify(method, id, ctx.Err())
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}

		delay := policy.Backoff(attempt, err)
		r.tel.Metrics.RecordRemoteRetry(string(platform.KindOf(err)))
		r.logger.WithFields(map[string]interface{}{
			"method":  method,
			"id":      id,
			"attempt": attempt + 1,
			"delay":   delay.String(),
		}).WithError(err).Warn("Retrying remote read")

		if serr := r.sleep(ctx, delay); serr != nil {
			return platform.Classify(method, id, serr)
		}
	}
	return err
}

func kindLabel(err error) string {
	if k := platform.KindOf(err); k != "" {
		return string(k)
	}
	return "unknown"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
