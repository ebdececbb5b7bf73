// Package reconcile decides, for each candidate fact, whether it adds,
// updates, deletes or leaves alone the memories an owner already has, and
// applies that decision through the repository.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/lexlapax/memfact/pkg/embedding"
	"github.com/lexlapax/memfact/pkg/entity"
	"github.com/lexlapax/memfact/pkg/errors"
	"github.com/lexlapax/memfact/pkg/extraction"
	"github.com/lexlapax/memfact/pkg/log"
	"github.com/lexlapax/memfact/pkg/mem/history"
	"github.com/lexlapax/memfact/pkg/mem/index"
	"github.com/lexlapax/memfact/pkg/mem/repository"
	"github.com/lexlapax/memfact/pkg/mem/score"
	"github.com/lexlapax/memfact/pkg/metrics"
	"github.com/lexlapax/memfact/pkg/resilience"
)

// DefaultNeighbors is the number of stored memories shown to the classifier.
const DefaultNeighbors = 5

// Store is the part of the repository reconciliation mutates.
type Store interface {
	Create(ctx context.Context, owner entity.OwnerID, content string, metadata map[string]interface{}, vector []float32) (repository.MemoryItem, error)
	Read(ctx context.Context, id string) (repository.MemoryItem, bool, error)
	Update(ctx context.Context, id string, patch repository.Patch) (repository.MemoryItem, error)
	DeleteVersion(ctx context.Context, id string, expected int64) (bool, error)
}

// Engine reconciles candidate facts for one memory store.
type Engine struct {
	store      Store
	index      index.Index
	embedder   embedding.Embedder
	classifier extraction.Classifier
	normalizer score.Normalizer

	neighbors int
	retry     resilience.RetryPolicy
	history   history.Store
	metrics   *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithNeighbors sets how many neighbors are retrieved per candidate.
func WithNeighbors(k int) Option {
	return func(e *Engine) {
		if k > 0 {
			e.neighbors = k
		}
	}
}

// WithRetryPolicy bounds re-reads of an UPDATE target that keeps changing.
func WithRetryPolicy(p resilience.RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithHistory records every applied mutation in store.
func WithHistory(store history.Store) Option {
	return func(e *Engine) { e.history = store }
}

// WithMetrics sets the instruments to record into.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an Engine. A nil normalizer uses the auto mapping.
func New(store Store, idx index.Index, embedder embedding.Embedder, classifier extraction.Classifier, normalizer score.Normalizer, opts ...Option) *Engine {
	if normalizer == nil {
		normalizer = score.Func(score.AutoScore)
	}
	e := &Engine{
		store:      store,
		index:      idx,
		embedder:   embedder,
		classifier: classifier,
		normalizer: normalizer,
		neighbors:  DefaultNeighbors,
		retry:      resilience.DefaultRetryPolicy(),
		history:    history.Nop{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run reconciles and applies facts in order. Each fact sees the effects of
// the facts before it. metadata is attached to every fact and wins over
// metadata the extractor produced.
//
// An adapter failure aborts the call and returns no result. When ctx ends
// or an adapter call runs out of time mid-call, the outcomes applied so far
// are returned together with the error.
func (e *Engine) Run(ctx context.Context, owner entity.OwnerID, facts []extraction.Fact, metadata map[string]interface{}) (AddResult, error) {
	if err := owner.Validate(); err != nil {
		return AddResult{}, err
	}

	result := AddResult{Results: make([]Outcome, 0, len(facts))}
	batch := NewBatch()

	for i, fact := range facts {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		fact.Metadata = mergeMetadata(fact.Metadata, metadata)

		action, err := e.Reconcile(ctx, owner, fact, batch)
		if err == nil {
			var outcome Outcome
			if outcome, err = e.Apply(ctx, owner, action); err == nil {
				batch.observe(fact, outcome)
				result.Results = append(result.Results, outcome)
				continue
			}
		}

		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			log.WarnContext(ctx, "Add interrupted", "owner_id", owner, "applied", len(result.Results), "remaining", len(facts)-i)
			return result, errors.Wrap(err, "add interrupted after %d of %d facts", len(result.Results), len(facts))
		}
		return AddResult{}, err
	}

	log.DebugContext(ctx, "Reconciled facts", "owner_id", owner, "count", len(result.Results))
	return result, nil
}

// Reconcile decides what candidate does to owner's memories without applying
// it. batch holds what earlier candidates of the same call did; it may be nil.
//
// A classifier failure, including an unknown event, yields a NOOP with a
// note. Embedder, index and classifier connection failures and timeouts are
// returned as errors.
func (e *Engine) Reconcile(ctx context.Context, owner entity.OwnerID, candidate extraction.Fact, batch *Batch) (Action, error) {
	if id := batch.lookup(candidate.Content); id != "" {
		if item, ok, err := e.store.Read(ctx, id); err != nil {
			return Action{}, err
		} else if ok && item.Owner == owner {
			return Action{Kind: Noop, TargetID: id, Note: "duplicate of an earlier fact in the same call"}, nil
		}
	}

	start := time.Now()
	vector, err := e.embedder.Embed(ctx, candidate.Content)
	e.metrics.Adapter("embedder", "embed", start, err)
	if err != nil {
		return Action{}, errors.Wrap(err, "embed candidate")
	}

	neighbors, err := e.neighborsOf(ctx, owner, vector)
	if err != nil {
		return Action{}, err
	}

	start = time.Now()
	decision, err := e.classifier.Classify(ctx, candidate, neighbors)
	e.metrics.Adapter("classifier", "classify", start, err)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errors.ErrConnection) {
			return Action{}, errors.Wrap(err, "classify candidate")
		}
		return e.classifierFailed(ctx, owner, err), nil
	}
	if _, err := kindOf(decision.Event); err != nil {
		return e.classifierFailed(ctx, owner, err), nil
	}

	return e.validate(ctx, owner, candidate, vector, decision)
}

func (e *Engine) classifierFailed(ctx context.Context, owner entity.OwnerID, err error) Action {
	e.metrics.ClassifierFailure()
	log.WarnContext(ctx, "Classifier failed, skipping fact", "owner_id", owner, "error", err)
	return Action{Kind: Noop, Note: fmt.Sprintf("classification failed: %v", err)}
}

func (e *Engine) neighborsOf(ctx context.Context, owner entity.OwnerID, vector []float32) ([]extraction.Neighbor, error) {
	start := time.Now()
	hits, err := e.index.Query(ctx, owner, vector, e.neighbors, nil)
	e.metrics.Adapter("index", "query", start, err)
	if err != nil {
		return nil, errors.Wrap(err, "query neighbors")
	}

	// the repository, not the index payload, says what a neighbor holds
	neighbors := make([]extraction.Neighbor, 0, len(hits))
	for _, hit := range hits {
		if hit.Record.Owner != owner {
			continue
		}
		item, ok, err := e.store.Read(ctx, hit.Record.ID)
		if err != nil {
			return nil, err
		}
		if !ok || item.Owner != owner {
			log.DebugContext(ctx, "Skipping index hit without a live memory", "id", hit.Record.ID)
			continue
		}
		s, err := e.normalizer.Normalize(ctx, hit.Score, e.index.Metric())
		if err != nil {
			return nil, err
		}
		neighbors = append(neighbors, extraction.Neighbor{ID: item.ID, Content: item.Content, Score: s})
	}
	return neighbors, nil
}

// validate turns a decision into an Action against the current state of its
// target. Targets that are gone or belong to another owner count as missing.
func (e *Engine) validate(ctx context.Context, owner entity.OwnerID, candidate extraction.Fact, vector []float32, d extraction.Decision) (Action, error) {
	kind, err := kindOf(d.Event)
	if err != nil {
		return Action{}, err
	}

	content := d.Content
	if content == "" {
		content = candidate.Content
	}
	reuse := func(text string) []float32 {
		if text == candidate.Content {
			return vector
		}
		return nil
	}
	add := Action{Kind: Add, Content: content, Metadata: candidate.Metadata, Vector: reuse(content), Reason: d.Reason}

	if kind == Add {
		return add, nil
	}

	var target repository.MemoryItem
	found := false
	if d.TargetID != "" {
		item, ok, err := e.store.Read(ctx, d.TargetID)
		if err != nil {
			return Action{}, err
		}
		found = ok && item.Owner == owner
		target = item
	}

	switch kind {
	case Update:
		if !found {
			e.metrics.Demotion(string(Update), string(Add))
			add.Note = fmt.Sprintf("update target %q not found, added instead", d.TargetID)
			return add, nil
		}
		if content == target.Content && len(candidate.Metadata) == 0 {
			return Action{Kind: Noop, TargetID: target.ID, Note: "update would not change the stored memory", Reason: d.Reason}, nil
		}
		return Action{
			Kind:     Update,
			TargetID: target.ID,
			Content:  content,
			Patch: repository.Patch{
				Content:         &content,
				Vector:          reuse(content),
				Metadata:        candidate.Metadata,
				ExpectedVersion: target.Version,
			},
			ExpectedVersion: target.Version,
			Reason:          d.Reason,
		}, nil

	case Delete:
		if !found {
			e.metrics.Demotion(string(Delete), string(Noop))
			return Action{Kind: Noop, Note: fmt.Sprintf("delete target %q not found", d.TargetID), Reason: d.Reason}, nil
		}
		return Action{Kind: Delete, TargetID: target.ID, ExpectedVersion: target.Version, Reason: d.Reason}, nil

	case Noop:
		a := Action{Kind: Noop, Reason: d.Reason}
		if found {
			a.TargetID = target.ID
		}
		return a, nil
	}
	panic(fmt.Sprintf("reconcile: unhandled kind %q", kind))
}

// Apply performs action for owner. Targets that disappear or keep changing
// between classification and apply are demoted, not reported as errors.
func (e *Engine) Apply(ctx context.Context, owner entity.OwnerID, action Action) (Outcome, error) {
	var (
		outcome Outcome
		err     error
	)
	switch action.Kind {
	case Add:
		outcome, err = e.applyAdd(ctx, owner, action)
	case Update:
		outcome, err = e.applyUpdate(ctx, owner, action)
	case Delete:
		outcome, err = e.applyDelete(ctx, owner, action)
	case Noop:
		outcome, err = e.applyNoop(ctx, owner, action)
	default:
		panic(fmt.Sprintf("reconcile: unknown action kind %q", action.Kind))
	}
	if err != nil {
		return Outcome{}, err
	}

	e.metrics.Action(string(outcome.Action))
	log.DebugContext(ctx, "Applied action", "owner_id", owner, "action", outcome.Action, "id", outcome.ItemID)
	return outcome, nil
}

func (e *Engine) applyAdd(ctx context.Context, owner entity.OwnerID, action Action) (Outcome, error) {
	start := time.Now()
	item, err := e.store.Create(ctx, owner, action.Content, action.Metadata, action.Vector)
	e.metrics.Adapter("repository", "create", start, err)
	if err != nil {
		return Outcome{}, errors.Wrap(err, "add memory")
	}

	after := snapshot(item)
	RecordHistory(ctx, e.history, history.EventAdd, nil, after)
	return Outcome{ItemID: item.ID, Action: Add, Snapshot: after, Note: action.Note, Reason: action.Reason}, nil
}

// applyUpdate re-reads the target after every conflict so a concurrent
// writer's change is never overwritten blindly.
func (e *Engine) applyUpdate(ctx context.Context, owner entity.OwnerID, action Action) (Outcome, error) {
	patch := action.Patch
	if patch.ExpectedVersion == 0 {
		patch.ExpectedVersion = action.ExpectedVersion
	}

	var (
		before, after repository.MemoryItem
		missing       bool
	)
	err := resilience.Retry(ctx, e.retry,
		func(err error) bool { return errors.Is(err, errors.ErrConcurrencyConflict) },
		func(attempt int) error {
			cur, ok, err := e.store.Read(ctx, action.TargetID)
			if err != nil {
				return err
			}
			if !ok || cur.Owner != owner {
				missing = true
				return nil
			}
			if attempt > 0 || patch.ExpectedVersion == 0 {
				patch.ExpectedVersion = cur.Version
			}
			before = cur

			start := time.Now()
			after, err = e.store.Update(ctx, action.TargetID, patch)
			e.metrics.Adapter("repository", "update", start, err)
			return err
		})

	switch {
	case err == nil && missing:
		return e.demoteUpdate(ctx, owner, action)
	case errors.Is(err, errors.ErrNotFound):
		return e.demoteUpdate(ctx, owner, action)
	case errors.Is(err, errors.ErrConcurrencyConflict) && ctx.Err() == nil:
		log.WarnContext(ctx, "Update target kept changing, skipping fact", "id", action.TargetID, "error", err)
		return Outcome{ItemID: action.TargetID, Action: Noop, Note: "update target changed concurrently", Reason: action.Reason}, nil
	case err != nil:
		return Outcome{}, errors.Wrap(err, "update memory")
	}

	b, a := snapshot(before), snapshot(after)
	RecordHistory(ctx, e.history, history.EventUpdate, b, a)
	return Outcome{ItemID: after.ID, Action: Update, Snapshot: a, Note: action.Note, Reason: action.Reason}, nil
}

func (e *Engine) demoteUpdate(ctx context.Context, owner entity.OwnerID, action Action) (Outcome, error) {
	e.metrics.Demotion(string(Update), string(Add))
	add := Action{
		Kind:     Add,
		Content:  action.Content,
		Metadata: action.Patch.Metadata,
		Vector:   action.Patch.Vector,
		Note:     fmt.Sprintf("update target %q was deleted, added instead", action.TargetID),
		Reason:   action.Reason,
	}
	return e.applyAdd(ctx, owner, add)
}

func (e *Engine) applyDelete(ctx context.Context, owner entity.OwnerID, action Action) (Outcome, error) {
	cur, ok, err := e.store.Read(ctx, action.TargetID)
	if err != nil {
		return Outcome{}, err
	}
	if !ok || cur.Owner != owner {
		e.metrics.Demotion(string(Delete), string(Noop))
		return Outcome{Action: Noop, Note: fmt.Sprintf("delete target %q was already gone", action.TargetID), Reason: action.Reason}, nil
	}

	expected := action.ExpectedVersion
	if expected == 0 {
		expected = cur.Version
	}

	start := time.Now()
	removed, err := e.store.DeleteVersion(ctx, action.TargetID, expected)
	e.metrics.Adapter("repository", "delete", start, err)
	switch {
	case errors.Is(err, errors.ErrConcurrencyConflict):
		log.WarnContext(ctx, "Delete target changed concurrently, skipping fact", "id", action.TargetID)
		return Outcome{ItemID: action.TargetID, Action: Noop, Note: "delete target changed concurrently", Reason: action.Reason}, nil
	case err != nil:
		return Outcome{}, errors.Wrap(err, "delete memory")
	case !removed:
		e.metrics.Demotion(string(Delete), string(Noop))
		return Outcome{Action: Noop, Note: fmt.Sprintf("delete target %q was already gone", action.TargetID), Reason: action.Reason}, nil
	}

	before := snapshot(cur)
	RecordHistory(ctx, e.history, history.EventDelete, before, nil)
	return Outcome{ItemID: cur.ID, Action: Delete, Snapshot: before, Note: action.Note, Reason: action.Reason}, nil
}

func (e *Engine) applyNoop(ctx context.Context, owner entity.OwnerID, action Action) (Outcome, error) {
	outcome := Outcome{Action: Noop, Note: action.Note, Reason: action.Reason}
	if action.TargetID == "" {
		return outcome, nil
	}

	item, ok, err := e.store.Read(ctx, action.TargetID)
	if err != nil {
		return Outcome{}, err
	}
	if ok && item.Owner == owner {
		outcome.ItemID = item.ID
		outcome.Snapshot = snapshot(item)
	}
	return outcome, nil
}

func mergeMetadata(base, over map[string]interface{}) map[string]interface{} {
	if len(base) == 0 && len(over) == 0 {
		return nil
	}
	out := repository.CloneMetadata(base)
	if out == nil {
		out = make(map[string]interface{}, len(over))
	}
	for k, v := range repository.CloneMetadata(over) {
		out[k] = v
	}
	return out
}
