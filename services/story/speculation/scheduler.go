// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package speculation pre-generates the story branches a player has not
// taken yet.
//
// # Description
//
// After every confirmed node the scheduler expands the un-chosen options
// breadth-first, up to a configured depth, so the next continue request
// usually finds its child already persisted. Expansion is strictly
// best-effort: a failed branch is a metric, never a user-facing error,
// and the unique (session, parent, choice) constraint in the store makes
// racing against an interactive request safe.
//
// # Scheduling Model
//
// One worker goroutine runs per enqueued (session, node) job. Re-enqueues
// of the same job never start a second worker: they raise the pending
// depth and the running worker tops itself up after finishing the current
// pass. Inside one job, the missing children of a node generate
// concurrently through a bounded pool. A per-user cap bounds how many
// workers any single player can occupy.
package speculation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SamsaraWorks/RebirthBackend/services/story/config"
	"github.com/SamsaraWorks/RebirthBackend/services/story/datatypes"
	"github.com/SamsaraWorks/RebirthBackend/services/story/engine"
	"github.com/SamsaraWorks/RebirthBackend/services/story/llm"
	"github.com/SamsaraWorks/RebirthBackend/services/story/observability"
	"github.com/SamsaraWorks/RebirthBackend/services/story/store"
	"github.com/SamsaraWorks/RebirthBackend/services/story/storyerr"
)

// Generator is the slice of the story engine the scheduler needs.
type Generator interface {
	ContinueStory(ctx context.Context, p engine.ContinueParams) (*datatypes.NodePayload, error)
}

// jobKey identifies one expansion job.
type jobKey struct {
	SessionID int64
	NodeID    int64
}

// choiceKey identifies one in-flight child generation.
type choiceKey struct {
	SessionID int64
	ParentID  int64
	Choice    string
}

// Scheduler owns the speculative expansion state.
type Scheduler struct {
	store   store.Store
	gen     Generator
	cfg     config.Config
	metrics *observability.GameMetrics

	mu         sync.Mutex
	pending    map[jobKey]int // requested depth per job; present while a worker is queued or running
	generating map[choiceKey]struct{}
	userActive map[string]int
	closed     bool

	wg            sync.WaitGroup
	activeWorkers atomic.Int64

	enqueued       atomic.Int64
	started        atomic.Int64
	finished       atomic.Int64
	failed         atomic.Int64
	nodesGenerated atomic.Int64
	nodesFailed    atomic.Int64
	dropped        atomic.Int64
}

// NewScheduler builds a scheduler over the given store and generator.
func NewScheduler(st store.Store, gen Generator, cfg config.Config) *Scheduler {
	return &Scheduler{
		store:      st,
		gen:        gen,
		cfg:        cfg.WithDefaults(),
		metrics:    observability.DefaultMetrics,
		pending:    make(map[jobKey]int),
		generating: make(map[choiceKey]struct{}),
		userActive: make(map[string]int),
	}
}

// =============================================================================
// Public Contract
// =============================================================================

// Enqueue requests that the subtree under nodeID be expanded to depth
// levels. Non-blocking. A negative depth means the configured maximum;
// zero is a no-op. Enqueueing a job that is already pending raises its
// depth when the new request is deeper and is dropped as a duplicate
// otherwise — a second worker is never started for the same job.
func (s *Scheduler) Enqueue(sessionID, nodeID int64, depth int) {
	if !s.cfg.SpeculationEnabled {
		return
	}
	if depth < 0 {
		depth = s.cfg.SpeculationMaxDepth
	}
	if depth == 0 {
		return
	}

	key := jobKey{SessionID: sessionID, NodeID: nodeID}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.dropped.Add(1)
		s.drop(observability.DropReasonClosed)
		return
	}
	if cur, ok := s.pending[key]; ok {
		if depth > cur {
			s.pending[key] = depth
			s.mu.Unlock()
			s.enqueued.Add(1)
			s.accept()
			return
		}
		s.mu.Unlock()
		s.dropped.Add(1)
		s.drop(observability.DropReasonDuplicate)
		return
	}
	s.pending[key] = depth
	s.wg.Add(1)
	s.mu.Unlock()

	s.enqueued.Add(1)
	s.accept()
	go s.runWorker(key)
}

// IsChoiceGenerating reports whether a worker is currently producing the
// child of (parentID, choice). The continue path polls this to avoid
// racing an inline generation against a speculative one.
func (s *Scheduler) IsChoiceGenerating(sessionID, parentID int64, choice string) bool {
	key := choiceKey{SessionID: sessionID, ParentID: parentID, Choice: choice}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.generating[key]
	return ok
}

// Snapshot is a point-in-time view of scheduler activity for the metrics
// endpoint.
type Snapshot struct {
	Enabled             bool      `json:"enabled"`
	MaxDepth            int       `json:"max_depth"`
	ActiveWorkers       int       `json:"active_workers"`
	EnqueuedTotal       int64     `json:"enqueued_total"`
	StartedTotal        int64     `json:"started_total"`
	FinishedTotal       int64     `json:"finished_total"`
	FailedTotal         int64     `json:"failed_total"`
	NodesGeneratedTotal int64     `json:"nodes_generated_total"`
	NodesFailedTotal    int64     `json:"nodes_failed_total"`
	DroppedTotal        int64     `json:"dropped_total"`
	PendingJobs         int       `json:"pending_jobs"`
	Timestamp           time.Time `json:"timestamp"`
}

// Stats returns the current snapshot.
func (s *Scheduler) Stats() Snapshot {
	s.mu.Lock()
	pendingJobs := len(s.pending)
	s.mu.Unlock()

	return Snapshot{
		Enabled:             s.cfg.SpeculationEnabled,
		MaxDepth:            s.cfg.SpeculationMaxDepth,
		ActiveWorkers:       int(s.activeWorkers.Load()),
		EnqueuedTotal:       s.enqueued.Load(),
		StartedTotal:        s.started.Load(),
		FinishedTotal:       s.finished.Load(),
		FailedTotal:         s.failed.Load(),
		NodesGeneratedTotal: s.nodesGenerated.Load(),
		NodesFailedTotal:    s.nodesFailed.Load(),
		DroppedTotal:        s.dropped.Load(),
		PendingJobs:         pendingJobs,
		Timestamp:           time.Now().UTC(),
	}
}

// Shutdown refuses new work and waits for running workers to drain, up
// to the context deadline.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// Worker
// =============================================================================

// runWorker drives one expansion job to completion, including depth
// top-ups that arrive while it runs. The job's pending entry stays in the
// map for the whole run; that is what makes duplicate enqueues cheap.
func (s *Scheduler) runWorker(key jobKey) {
	defer s.wg.Done()
	defer s.updateQueueGauge()

	s.started.Add(1)
	s.activeWorkers.Add(1)
	defer s.activeWorkers.Add(-1)

	ctx := context.Background()

	sess, err := s.store.GetSession(ctx, key.SessionID)
	if err != nil {
		slog.Warn("Speculation worker could not resolve session",
			"session_id", key.SessionID, "error", err)
		s.failed.Add(1)
		s.clearPending(key)
		return
	}

	if !s.acquireUserSlot(key, sess.UserID) {
		return
	}
	defer s.releaseUserSlot(sess.UserID)

	for {
		s.mu.Lock()
		depth := s.pending[key]
		s.mu.Unlock()

		s.expandChildren(ctx, sess, key.NodeID, depth)

		// A deeper request may have landed while we were expanding.
		s.mu.Lock()
		if cur, ok := s.pending[key]; ok && cur > depth {
			s.mu.Unlock()
			continue
		}
		delete(s.pending, key)
		s.mu.Unlock()
		break
	}
	s.finished.Add(1)
}

// acquireUserSlot enforces the per-user fairness cap. A worker that
// cannot get a slot drops its job entirely; the next interactive request
// re-enqueues it.
func (s *Scheduler) acquireUserSlot(key jobKey, userID string) bool {
	limit := s.cfg.SpeculationMaxPerUser

	s.mu.Lock()
	if limit > 0 && s.userActive[userID] >= limit {
		delete(s.pending, key)
		s.mu.Unlock()
		s.dropped.Add(1)
		s.drop(observability.DropReasonUserCap)
		slog.Debug("Speculation dropped by per-user cap",
			"user_id", userID, "session_id", key.SessionID, "node_id", key.NodeID)
		return false
	}
	s.userActive[userID]++
	s.mu.Unlock()
	return true
}

func (s *Scheduler) releaseUserSlot(userID string) {
	s.mu.Lock()
	if s.userActive[userID] <= 1 {
		delete(s.userActive, userID)
	} else {
		s.userActive[userID]--
	}
	s.mu.Unlock()
}

// expandChildren materializes the missing children of one node and
// recurses into the subtree by re-enqueueing.
func (s *Scheduler) expandChildren(ctx context.Context, sess *store.Session, nodeID int64, depth int) {
	if depth <= 0 {
		return
	}

	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		slog.Warn("Speculation could not load node", "node_id", nodeID, "error", err)
		s.failed.Add(1)
		return
	}
	if node.Settled() {
		return
	}

	path, err := s.store.GetNodePath(ctx, nodeID)
	if err != nil {
		slog.Warn("Speculation could not rebuild path", "node_id", nodeID, "error", err)
		s.failed.Add(1)
		return
	}
	history := engine.BuildStoryHistory(path)

	chapter, err := s.store.CalculateChapterNumber(ctx, sess.ID, nodeID)
	if err != nil {
		chapter = 1
	}
	childChapter := chapter + 1

	children, err := s.store.GetChildren(ctx, nodeID)
	if err != nil {
		slog.Warn("Speculation could not list children", "node_id", nodeID, "error", err)
		s.failed.Add(1)
		return
	}
	existing := make(map[string]*store.Node, len(children))
	for i := range children {
		if children[i].UserChoice != nil {
			existing[*children[i].UserChoice] = &children[i]
		}
	}

	// Children that already exist only need their own subtrees topped up.
	var candidates []datatypes.DisplayChoice
	for _, choice := range node.Choices {
		if child, ok := existing[choice.Option]; ok {
			s.Enqueue(sess.ID, child.ID, depth-1)
			continue
		}
		if s.IsChoiceGenerating(sess.ID, nodeID, choice.Option) {
			continue
		}
		candidates = append(candidates, choice)
	}

	if lvl := s.cfg.SpeculationLevelCap; lvl > 0 && len(candidates) > lvl {
		candidates = candidates[:lvl]
	}
	if len(candidates) == 0 {
		return
	}

	s.mu.Lock()
	for _, choice := range candidates {
		s.generating[choiceKey{SessionID: sess.ID, ParentID: nodeID, Choice: choice.Option}] = struct{}{}
	}
	s.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(s.cfg.SpeculationChoiceWorkers)
	for _, choice := range candidates {
		choice := choice
		g.Go(func() error {
			defer s.clearGenerating(sess.ID, nodeID, choice.Option)

			child := s.generateChildNode(ctx, sess, node, choice, history, childChapter)
			if child != nil && depth > 1 {
				s.Enqueue(sess.ID, child.ID, depth-1)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// generateChildNode produces and persists one speculative child. Returns
// nil on failure; failures are metrics-only.
func (s *Scheduler) generateChildNode(ctx context.Context, sess *store.Session, parent *store.Node, choice datatypes.DisplayChoice, history []llm.Message, childChapter int) *store.Node {
	payload, err := s.gen.ContinueStory(ctx, engine.ContinueParams{
		Wish:          sess.Wish,
		History:       history,
		Choice:        choice.Option,
		ChoiceSummary: choice.Summary,
		ChapterNumber: childChapter,
		ParentMeta:    parent.Metadata,
	})
	if err != nil {
		slog.Warn("Speculative generation failed",
			"session_id", sess.ID, "parent_id", parent.ID, "choice", choice.Option, "error", err)
		s.nodesFailed.Add(1)
		s.nodeOutcome(observability.NodeOutcomeFailed)
		return nil
	}

	childDepth := s.cfg.SpeculationMaxDepth - 1
	if parent.SpeculativeDepth != nil {
		childDepth = *parent.SpeculativeDepth - 1
	}
	if childDepth < 0 {
		childDepth = 0
	}

	node, err := s.store.CreateNode(ctx, store.NodeSpec{
		SessionID:   sess.ID,
		ParentID:    &parent.ID,
		UserChoice:  &choice.Option,
		Payload:     *payload,
		Speculative: true,
		Depth:       &childDepth,
	})
	if errors.Is(err, storyerr.ErrDuplicateChild) {
		// An interactive continue beat us to it. Their row wins.
		winner, werr := s.store.GetChildByParentAndChoice(ctx, sess.ID, parent.ID, choice.Option)
		if werr != nil {
			s.nodesFailed.Add(1)
			s.nodeOutcome(observability.NodeOutcomeFailed)
			return nil
		}
		s.nodeOutcome(observability.NodeOutcomeDuplicate)
		return winner
	}
	if err != nil {
		slog.Warn("Speculative child persistence failed",
			"session_id", sess.ID, "parent_id", parent.ID, "choice", choice.Option, "error", err)
		s.nodesFailed.Add(1)
		s.nodeOutcome(observability.NodeOutcomeFailed)
		return nil
	}

	s.nodesGenerated.Add(1)
	s.nodeOutcome(observability.NodeOutcomeGenerated)
	return node
}

// =============================================================================
// Internals
// =============================================================================

func (s *Scheduler) clearPending(key jobKey) {
	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()
}

func (s *Scheduler) clearGenerating(sessionID, parentID int64, choice string) {
	s.mu.Lock()
	delete(s.generating, choiceKey{SessionID: sessionID, ParentID: parentID, Choice: choice})
	s.mu.Unlock()
}

func (s *Scheduler) updateQueueGauge() {
	if s.metrics == nil {
		return
	}
	s.mu.Lock()
	depth := len(s.pending)
	s.mu.Unlock()
	s.metrics.SetSpeculationQueueDepth(depth)
}

func (s *Scheduler) accept() {
	if s.metrics != nil {
		s.metrics.RecordSpeculationEnqueued()
	}
	s.updateQueueGauge()
}

func (s *Scheduler) drop(reason observability.DropReason) {
	if s.metrics != nil {
		s.metrics.RecordSpeculationDropped(reason)
	}
}

func (s *Scheduler) nodeOutcome(outcome observability.NodeOutcome) {
	if s.metrics != nil {
		s.metrics.RecordSpeculationNode(outcome)
	}
}
