// Package engine drains the durable mutation queue against the remote API:
// priority order, conflict resolution, classified retries with backoff, and
// a single-flight guarantee per sync run.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fabworks/floorsync/internal/conflict"
	"github.com/fabworks/floorsync/internal/entity"
	"github.com/fabworks/floorsync/internal/queue"
	"github.com/fabworks/floorsync/internal/remote"
	"github.com/fabworks/floorsync/internal/syncerr"
)

// ErrSyncInProgress is returned when a run is requested while one is active.
// Callers poll or retry; concurrent runs are never queued.
var ErrSyncInProgress = errors.New("engine: sync already in progress")

// RunStatus is the orchestrator state.
type RunStatus string

const (
	StatusIdle      RunStatus = "idle"
	StatusSyncing   RunStatus = "syncing"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Outcome is the per-item result of one attempt within a run.
type Outcome string

const (
	OutcomeSynced   Outcome = "synced"
	OutcomeResolved Outcome = "resolved"
	OutcomeManual   Outcome = "manual"
	OutcomeRetry    Outcome = "retry_scheduled"
	OutcomeEvicted  Outcome = "evicted"
)

// ItemResult records what happened to one queue item.
type ItemResult struct {
	ItemID     string
	Table      string
	Operation  queue.Operation
	Outcome    Outcome
	Resolution conflict.Strategy
	Error      string
}

// BatchResult aggregates one sync run.
type BatchResult struct {
	Status      RunStatus
	Processed   int
	Succeeded   int
	Failed      int
	Conflicted  int
	Quarantined int
	Results     []ItemResult
	StartedAt   time.Time
	FinishedAt  time.Time
}

// RemoteClient is the surface of the remote API the engine needs. Satisfied
// by *remote.Client and by test fakes.
type RemoteClient interface {
	Create(ctx context.Context, table string, payload json.RawMessage) error
	Update(ctx context.Context, table, id string, payload json.RawMessage) error
	Delete(ctx context.Context, table, id string) error
}

// Resolver decides which side of a conflict survives. Satisfied by
// *conflict.Resolver.
type Resolver interface {
	Resolve(c conflict.Conflict) conflict.Resolution
}

// Config holds engine tunables.
type Config struct {
	// ItemDelay is the fixed pause between items so a drain does not
	// saturate the remote service.
	ItemDelay time.Duration
}

// Engine is the sync orchestrator. Construct one per installation and share
// it; it owns every terminal transition of queue items.
type Engine struct {
	store    *queue.Store
	entities *entity.Store
	client   RemoteClient
	resolver Resolver
	cfg      Config
	logger   *slog.Logger
	obs      *observers

	// clock and sleep are injectable so tests run without real time.
	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	syncing  bool
	progress Progress
}

// New creates an engine.
func New(store *queue.Store, entities *entity.Store, client RemoteClient, resolver Resolver, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ItemDelay <= 0 {
		cfg.ItemDelay = 100 * time.Millisecond
	}
	return &Engine{
		store:    store,
		entities: entities,
		client:   client,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
		obs:      newObservers(logger),
		clock:    time.Now,
		sleep:    sleepCtx,
		progress: Progress{Status: StatusIdle},
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// OnProgress subscribes to per-item progress snapshots. The returned function
// unsubscribes.
func (e *Engine) OnProgress(fn func(Progress)) func() {
	return e.obs.onProgress(fn)
}

// OnStatus subscribes to human-readable status lines.
func (e *Engine) OnStatus(fn func(string)) func() {
	return e.obs.onStatus(fn)
}

// Progress returns the current run progress snapshot.
func (e *Engine) Progress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

// Syncing reports whether a run is active.
func (e *Engine) Syncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

// RunSync drains the current queue snapshot. At most one run is active at a
// time; a second concurrent call fails fast with ErrSyncInProgress. The
// context is checked between items: cancellation ends the run with the
// partial result and status Failed.
func (e *Engine) RunSync(ctx context.Context) (*BatchResult, error) {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	e.syncing = true
	e.progress = Progress{Status: StatusSyncing}
	e.mu.Unlock()

	result := &BatchResult{Status: StatusSyncing, StartedAt: e.clock()}

	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.progress.Status = result.Status
		e.mu.Unlock()
	}()

	items, quarantined, err := e.store.DequeueCandidates(ctx)
	if err != nil {
		result.Status = StatusFailed
		result.FinishedAt = e.clock()
		return result, fmt.Errorf("engine: snapshot queue: %w", err)
	}
	result.Quarantined = quarantined
	if quarantined > 0 {
		e.obs.notifyStatus(fmt.Sprintf("%d unreadable item(s) quarantined", quarantined))
	}

	total := len(items)
	e.obs.notifyStatus(fmt.Sprintf("sync started: %d item(s)", total))
	e.setProgress(Progress{Total: total, Status: StatusSyncing})

	interrupted := false
	for i, item := range items {
		if ctx.Err() != nil {
			interrupted = true
			break
		}

		e.setProgress(Progress{
			Total:       total,
			Processed:   i,
			CurrentItem: item.ID,
			Status:      StatusSyncing,
		})
		e.obs.notifyStatus(fmt.Sprintf("syncing %d/%d (%s %s)", i+1, total, item.Operation, item.Table))

		res := e.processItem(ctx, item)
		result.Results = append(result.Results, res)
		result.Processed++
		switch res.Outcome {
		case OutcomeSynced:
			result.Succeeded++
		case OutcomeResolved, OutcomeManual:
			result.Conflicted++
		case OutcomeRetry, OutcomeEvicted:
			result.Failed++
		}

		if i < total-1 {
			if err := e.sleep(ctx, e.cfg.ItemDelay); err != nil {
				interrupted = true
				break
			}
		}
	}

	if interrupted {
		result.Status = StatusFailed
		e.obs.notifyStatus("sync canceled")
	} else {
		result.Status = StatusCompleted
		e.obs.notifyStatus(fmt.Sprintf("sync completed: %d synced, %d conflicted, %d failed",
			result.Succeeded, result.Conflicted, result.Failed))
	}
	result.FinishedAt = e.clock()
	e.setProgress(Progress{Total: total, Processed: result.Processed, Status: result.Status})

	e.logger.Info("sync run finished",
		"status", result.Status,
		"processed", result.Processed,
		"succeeded", result.Succeeded,
		"conflicted", result.Conflicted,
		"failed", result.Failed,
		"quarantined", result.Quarantined)

	if interrupted {
		return result, ctx.Err()
	}
	return result, nil
}

func (e *Engine) setProgress(p Progress) {
	e.mu.Lock()
	e.progress = p
	e.mu.Unlock()
	e.obs.notifyProgress(p)
}

// processItem attempts one remote mutation and applies the item's terminal or
// retry transition. A single item's failure never aborts the run.
func (e *Engine) processItem(ctx context.Context, item *queue.Item) ItemResult {
	res := ItemResult{ItemID: item.ID, Table: item.Table, Operation: item.Operation}

	err := e.dispatch(ctx, item)
	if err == nil {
		if err := e.store.MarkSynced(ctx, item.ID); err != nil {
			e.logger.Error("mark synced failed", "id", item.ID, "error", err)
		}
		res.Outcome = OutcomeSynced
		return res
	}

	var conflictErr *remote.ConflictError
	if errors.As(err, &conflictErr) {
		return e.resolveConflict(ctx, item, conflictErr)
	}

	cls := syncerr.Classify(err)
	evicted, markErr := e.store.MarkFailed(ctx, item.ID, cls, err.Error())
	if markErr != nil {
		e.logger.Error("mark failed errored", "id", item.ID, "error", markErr)
	}
	if evicted {
		res.Outcome = OutcomeEvicted
		res.Error = operatorMessage(cls.Kind)
		e.logger.Error("item failed terminally",
			"id", item.ID, "table", item.Table, "kind", cls.Kind,
			"severity", cls.Severity, "error", err)
	} else {
		res.Outcome = OutcomeRetry
		res.Error = err.Error()
		e.logger.Warn("item will retry",
			"id", item.ID, "kind", cls.Kind, "retry_count", item.RetryCount+1, "error", err)
	}
	return res
}

// dispatch sends the mutation to the remote API.
func (e *Engine) dispatch(ctx context.Context, item *queue.Item) error {
	switch item.Operation {
	case queue.OpCreate:
		return e.client.Create(ctx, item.Table, item.Payload)
	case queue.OpUpdate:
		id, err := entityID(item)
		if err != nil {
			return err
		}
		return e.client.Update(ctx, item.Table, id, item.Payload)
	case queue.OpDelete:
		id, err := entityID(item)
		if err != nil {
			return err
		}
		return e.client.Delete(ctx, item.Table, id)
	default:
		return &invalidItemError{reason: fmt.Sprintf("unknown operation %q", item.Operation)}
	}
}

// resolveConflict runs detection and resolution for an HTTP 409 and applies
// the outcome: UseLocal keeps the queued state and closes the item; UseRemote
// and Merge overwrite the local entity first so later reads see the
// resolution; Manual parks the item without touching its retry count.
func (e *Engine) resolveConflict(ctx context.Context, item *queue.Item, conflictErr *remote.ConflictError) ItemResult {
	res := ItemResult{ItemID: item.ID, Table: item.Table, Operation: item.Operation}

	var local conflict.Document
	if err := json.Unmarshal(item.Payload, &local); err != nil {
		e.logger.Warn("local payload unparseable during conflict", "id", item.ID, "error", err)
	}
	remoteDoc := conflict.Document(conflictErr.Snapshot)

	c := conflict.Detect(item.Table, item.Operation == queue.OpDelete, local, remoteDoc)
	resolution := e.resolver.Resolve(c)
	res.Resolution = resolution.Strategy

	e.logger.Info("conflict resolved",
		"id", item.ID, "table", item.Table,
		"type", c.Type, "strategy", resolution.Strategy)

	switch resolution.Strategy {
	case conflict.UseLocal:
		// Local wins; nothing further to tell the server from this item.
		if err := e.store.MarkSynced(ctx, item.ID); err != nil {
			e.logger.Error("mark synced failed", "id", item.ID, "error", err)
		}
		res.Outcome = OutcomeResolved

	case conflict.UseRemote, conflict.Merge:
		if err := e.applyResolution(ctx, item, resolution); err != nil {
			e.logger.Error("apply resolution failed", "id", item.ID, "error", err)
			res.Outcome = OutcomeRetry
			res.Error = err.Error()
			if _, markErr := e.store.MarkFailed(ctx, item.ID, syncerr.ForKind(syncerr.KindUnknown), err.Error()); markErr != nil {
				e.logger.Error("mark failed errored", "id", item.ID, "error", markErr)
			}
			return res
		}
		if err := e.store.MarkSynced(ctx, item.ID); err != nil {
			e.logger.Error("mark synced failed", "id", item.ID, "error", err)
		}
		res.Outcome = OutcomeResolved

	default: // Manual
		if err := e.store.MarkManual(ctx, item.ID); err != nil {
			e.logger.Error("mark manual failed", "id", item.ID, "error", err)
		}
		res.Outcome = OutcomeManual
	}
	return res
}

// applyResolution overwrites local entity state with the resolution payload.
func (e *Engine) applyResolution(ctx context.Context, item *queue.Item, resolution conflict.Resolution) error {
	id, err := entityID(item)
	if err != nil {
		return err
	}

	if resolution.Data == nil {
		// Remote deletion won.
		return e.entities.Delete(ctx, item.Table, id)
	}

	payload, err := json.Marshal(resolution.Data)
	if err != nil {
		return fmt.Errorf("engine: marshal resolution: %w", err)
	}
	version, _ := resolution.Data.Version()
	return e.entities.Upsert(ctx, item.Table, id, payload, version)
}

// invalidItemError marks structurally broken items; it classifies as a
// validation failure so they are evicted on first sight, not retried.
type invalidItemError struct {
	reason string
}

func (e *invalidItemError) Error() string   { return "engine: invalid item: " + e.reason }
func (e *invalidItemError) HTTPStatus() int { return 422 }

// entityID extracts the entity id carried in the payload document.
func entityID(item *queue.Item) (string, error) {
	var doc map[string]any
	if err := json.Unmarshal(item.Payload, &doc); err != nil {
		return "", &invalidItemError{reason: "payload is not a JSON object"}
	}
	id, ok := doc["id"].(string)
	if !ok || id == "" {
		return "", &invalidItemError{reason: "payload has no id field"}
	}
	return id, nil
}

// operatorMessage is the human-readable terminal failure text, distinct from
// the technical message that goes to the logs.
func operatorMessage(kind syncerr.Kind) string {
	switch kind {
	case syncerr.KindNetwork:
		return "could not reach the server; the change was set aside after repeated attempts"
	case syncerr.KindTimeout:
		return "the server took too long to respond; the change was set aside"
	case syncerr.KindServer:
		return "the server reported an internal problem; the change was set aside"
	case syncerr.KindValidation:
		return "the server rejected the change as invalid"
	case syncerr.KindPermission:
		return "this device is not authorized for the change"
	case syncerr.KindClient:
		return "the server rejected the request"
	default:
		return "the change failed and was set aside"
	}
}
