// Package orchestrator runs the end-to-end pipeline for one work item:
// route to a repository, admit through the scheduler, create a worktree,
// drive an agent provider with fallback, verify the result, push, and
// report status back to the issue tracker.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spawnd/spawnd/internal/common/config"
	"github.com/spawnd/spawnd/internal/common/errkind"
	"github.com/spawnd/spawnd/internal/common/logger"
	"github.com/spawnd/spawnd/internal/common/tracing"
	"github.com/spawnd/spawnd/internal/events"
	"github.com/spawnd/spawnd/internal/events/bus"
	"github.com/spawnd/spawnd/internal/executor"
	"github.com/spawnd/spawnd/internal/gitops"
	"github.com/spawnd/spawnd/internal/provider"
	"github.com/spawnd/spawnd/internal/repos"
	"github.com/spawnd/spawnd/internal/scheduler"
	"github.com/spawnd/spawnd/internal/session"
	"github.com/spawnd/spawnd/internal/verify"
	"github.com/spawnd/spawnd/internal/webhook"
	"github.com/spawnd/spawnd/internal/worktree"
)

// Issue-tracker workflow states the orchestrator writes.
const (
	StateInProgress = "In Progress"
	StateDone       = "Done"
	StateFailed     = "Canceled"
)

// Labels stamped on processed issues.
const (
	LabelExecuted = "agent:executed"
	LabelFailed   = "agent:failed"
)

// Tracker is the issue-tracker surface the orchestrator needs.
type Tracker interface {
	UpdateIssueState(ctx context.Context, issueID, teamKey, stateName string) error
	PostComment(ctx context.Context, issueID, body string) error
	AddLabel(ctx context.Context, issueID, teamKey, label string) error
}

// ExecutorFactory builds executors for configured providers.
type ExecutorFactory interface {
	Build(pc config.ProviderConfig) (executor.AgentExecutor, error)
	Timeout() time.Duration
}

// SpawnResult summarizes a finished orchestration for reporting.
type SpawnResult struct {
	Success      bool
	CommitHash   string
	FilesChanged int
	Duration     time.Duration
}

// Orchestrator wires the pipeline together.
type Orchestrator struct {
	logger    *logger.Logger
	router    *repos.Router
	scheduler *scheduler.Scheduler
	worktrees *worktree.Manager
	git       *gitops.Service
	tracker   Tracker
	providers *provider.Router
	factory   ExecutorFactory
	sessions  *session.FileStore
	verifier  *verify.Verifier
	bus       bus.Bus // may be nil

	// Per-issue status updates are strictly ordered; terminal updates
	// are deduped by the finalized set.
	statusMu  sync.Mutex
	issueMus  map[string]*sync.Mutex
	finalized map[string]bool

	wg sync.WaitGroup
}

// Options collects the orchestrator's collaborators.
type Options struct {
	Router    *repos.Router
	Scheduler *scheduler.Scheduler
	Worktrees *worktree.Manager
	Git       *gitops.Service
	Tracker   Tracker
	Providers *provider.Router
	Factory   ExecutorFactory
	Sessions  *session.FileStore
	Verifier  *verify.Verifier
	Bus       bus.Bus
	Logger    *logger.Logger
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Orchestrator{
		logger:    log.WithFields(zap.String("component", "orchestrator")),
		router:    opts.Router,
		scheduler: opts.Scheduler,
		worktrees: opts.Worktrees,
		git:       opts.Git,
		tracker:   opts.Tracker,
		providers: opts.Providers,
		factory:   opts.Factory,
		sessions:  opts.Sessions,
		verifier:  opts.Verifier,
		bus:       opts.Bus,
		issueMus:  make(map[string]*sync.Mutex),
		finalized: make(map[string]bool),
	}
}

// HandleWebhook is the entry point for one parsed webhook. It returns
// the scheduling disposition for issue-bearing events.
func (o *Orchestrator) HandleWebhook(ctx context.Context, wh *webhook.Webhook) (scheduler.Disposition, error) {
	// Selection responses resolve a pending elicitation first.
	if wh.Action == webhook.ActionResponse && wh.ResponseValue != "" {
		return o.handleSelectionResponse(ctx, wh)
	}

	issue := wh.WorkItem()
	if issue == nil {
		return "", errkind.New(errkind.KindClient, "webhook carries no work item")
	}

	route := o.router.Route(ctx, wh)
	switch {
	case route.None():
		o.reportRoutingFailure(ctx, issue)
		return "", errkind.NewSub(errkind.KindRouting, errkind.SubNoMatch,
			fmt.Sprintf("no repository matches issue %s", issue.Identifier))
	case route.NeedsSelection():
		o.postElicitation(ctx, issue, route.Candidates)
		return "", nil
	}

	return o.submit(ctx, issue, route.Repository), nil
}

func (o *Orchestrator) handleSelectionResponse(ctx context.Context, wh *webhook.Webhook) (scheduler.Disposition, error) {
	result, ok := o.router.SelectFromResponse(wh.AgentSessionID(), wh.ResponseValue)
	if !ok {
		return "", errkind.New(errkind.KindClient, "no pending repository selection for session")
	}
	issue := wh.WorkItem()
	if issue == nil {
		return "", errkind.New(errkind.KindClient, "selection response carries no work item")
	}
	o.router.RecordSelection(issue.ID, result.Repository)
	return o.submit(ctx, issue, result.Repository), nil
}

// submit admits the work item through the scheduler and launches the
// pipeline when it starts immediately.
func (o *Orchestrator) submit(ctx context.Context, issue *webhook.Issue, repo *repos.Repository) scheduler.Disposition {
	// Re-delivery of an already-finalized issue must not relaunch the
	// pipeline (or stamp failure labels onto a Done issue).
	o.statusMu.Lock()
	done := o.finalized[issue.Identifier]
	o.statusMu.Unlock()
	if done {
		o.logger.Info("issue already finalized, ignoring re-delivery",
			zap.String("issue_id", issue.Identifier))
		return scheduler.Duplicate
	}

	if o.sessions.ActiveElsewhere(issue.Identifier) {
		o.logger.Info("issue already processed by another process",
			zap.String("issue_id", issue.Identifier))
		return scheduler.Duplicate
	}

	sess := &scheduler.Session{IssueID: issue.Identifier}
	sess.Start = func() { o.launch(issue, repo) }
	sess.OnComplete = func(ok bool) {
		o.logger.Debug("session left scheduler",
			zap.String("issue_id", issue.Identifier), zap.Bool("ok", ok))
	}
	disposition := o.scheduler.Submit(sess)
	switch disposition {
	case scheduler.Started:
		o.launch(issue, repo)
	case scheduler.Queued:
		o.publish(events.SubjectSessionQueued, issue.Identifier, "", "", nil)
	}
	return disposition
}

// launch runs the pipeline in its own goroutine; promoted queue entries
// would be launched by the caller of Complete/Fail.
func (o *Orchestrator) launch(issue *webhook.Issue, repo *repos.Repository) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		// The webhook request context ends with the HTTP exchange; the
		// pipeline gets its own lifetime.
		ctx, cancel := context.WithTimeout(context.Background(), 2*o.factory.Timeout()+10*time.Minute)
		defer cancel()
		o.process(ctx, issue, repo)
	}()
}

// Drain waits for in-flight orchestrations to finish.
func (o *Orchestrator) Drain() {
	o.wg.Wait()
}

// process is the per-issue pipeline.
func (o *Orchestrator) process(ctx context.Context, issue *webhook.Issue, repo *repos.Repository) {
	issueID := issue.Identifier
	log := o.logger.WithIssueID(issueID)
	ctx, span := tracing.TraceSession(ctx, issueID, "")
	defer span.End()

	start := time.Now()
	_ = o.sessions.Save(&session.Record{IssueID: issueID, Status: session.StatusStarted})
	o.publish(events.SubjectSessionStarted, issueID, "", "", nil)

	result, wt, err := o.run(ctx, issue, repo, log)
	if err != nil {
		tracing.RecordResult(span, err)
		o.fail(ctx, issue, wt, err, log)
		o.startPromoted(o.scheduler.Fail(issueID))
		return
	}

	result.Duration = time.Since(start)
	tracing.RecordResult(span, nil)
	o.succeed(ctx, issue, wt, result, log)
	o.startPromoted(o.scheduler.Complete(issueID))
}

func (o *Orchestrator) startPromoted(promoted *scheduler.Session) {
	if promoted != nil && promoted.Start != nil {
		promoted.Start()
	}
}

// run executes the fallible middle of the pipeline and returns the
// worktree for failure reporting even when it errors.
func (o *Orchestrator) run(ctx context.Context, issue *webhook.Issue, repo *repos.Repository, log *logger.Logger) (*SpawnResult, *worktree.Worktree, error) {
	issueID := issue.Identifier

	wt, err := o.worktrees.Create(ctx, worktree.CreateOptions{
		IssueID:        issueID,
		IssueTitle:     issue.Title,
		RepositoryPath: repo.LocalPath,
		BaseBranch:     repo.BaseBranch,
		Mode:           worktree.ModeMain,
	})
	if err != nil {
		return nil, nil, err
	}
	o.publish(events.SubjectWorktreeCreated, issueID, "", "", map[string]any{"path": wt.WorktreePath})

	// Best effort: a stale base is survivable, the push may still fast
	// forward.
	if err := o.git.SyncToRemote(ctx, wt.WorktreePath, repo.BaseBranch); err != nil {
		log.Warn("sync to remote failed", zap.Error(err))
	}
	baseline := o.git.GetCurrentCommit(ctx, wt.WorktreePath)

	o.updateState(ctx, issue, StateInProgress, log)
	_ = o.sessions.UpdateStatus(issueID, session.StatusInProgress, "")

	execResult, err := o.executeWithFallback(ctx, issue, wt, baseline, log)
	if err != nil {
		return nil, wt, err
	}

	// Enforce commit: anything the agent left uncommitted is committed
	// with an issue-tagged message before the push.
	if o.git.HasUncommittedChanges(ctx, wt.WorktreePath) {
		if _, err := o.git.Commit(ctx, wt.WorktreePath, gitops.CommitOptions{
			Message:  fmt.Sprintf("agent: Session completion - %s", issueID),
			NoVerify: true,
			StageAll: true,
		}); err != nil {
			return nil, wt, errkind.Wrap(errkind.KindGit, err, "completion commit failed")
		}
	}

	if err := o.git.PushToRef(ctx, wt.WorktreePath, repo.BaseBranch); err != nil {
		// Non-fatal: the commit exists locally.
		log.Warn("push failed, commit remains local", zap.Error(err))
	}

	return &SpawnResult{
		Success:      true,
		CommitHash:   o.git.GetCurrentCommit(ctx, wt.WorktreePath),
		FilesChanged: len(execResult.Files),
	}, wt, nil
}

// executeWithFallback walks enabled providers in priority order,
// skipping unusable ones, until one produces a verified result.
func (o *Orchestrator) executeWithFallback(ctx context.Context, issue *webhook.Issue, wt *worktree.Worktree, baseline string, log *logger.Logger) (*executor.ExecutionResult, error) {
	providers := o.providers.GetEnabledProviders()
	if len(providers) == 0 {
		return nil, errkind.New(errkind.KindProviderUnavail, "no enabled providers")
	}

	model := ModelOverride(issue.Description)
	var lastErr error
	attempt := 0

	for _, pc := range providers {
		if !o.providers.Usable(pc.Name) {
			log.Info("skipping unusable provider", zap.String("provider", pc.Name))
			continue
		}
		attempt++

		exec, err := o.factory.Build(pc)
		if err != nil {
			lastErr = err
			continue
		}

		prevErr := ""
		if lastErr != nil {
			prevErr = lastErr.Error()
		}
		cfg := executor.ExecutionConfig{
			IssueID:      issue.Identifier,
			Prompt:       BuildPrompt(issue, wt.WorktreePath, prevErr),
			WorktreePath: wt.WorktreePath,
			Model:        firstNonEmpty(model, pc.Model),
			Timeout:      o.factory.Timeout(),
		}

		var result *executor.ExecutionResult
		execCtx, span := tracing.TraceExecute(ctx, issue.Identifier, pc.Name, attempt)
		err = o.providers.Execute(execCtx, pc.Name, func(ctx context.Context) error {
			var execErr error
			result, execErr = exec.Execute(ctx, cfg)
			if execErr != nil {
				return execErr
			}
			if !result.Success {
				return errkind.New(errkind.KindOrchestrator, result.Error)
			}

			report, verifyErr := o.verifier.Verify(ctx, wt.WorktreePath, baseline, issue.Identifier)
			result.Verification = report
			return verifyErr
		})
		tracing.RecordResult(span, err)
		span.End()

		if err == nil {
			log.Info("provider succeeded", zap.String("provider", pc.Name))
			return result, nil
		}
		lastErr = err
		// Auth and disk-space failures halt the issue: no provider can
		// recover them, and retrying burns quota against a broken setup.
		if kind := errkind.KindOf(err); kind == errkind.KindAuth || errkind.SubOf(err) == errkind.SubDiskSpace {
			log.Error("provider failed with unrecoverable error",
				zap.String("provider", pc.Name),
				zap.String("kind", string(kind)),
				zap.Error(err))
			return nil, err
		}
		log.Warn("provider failed, falling back",
			zap.String("provider", pc.Name),
			zap.String("kind", string(errkind.KindOf(err))),
			zap.Error(err))
		o.publish(events.SubjectProviderDegraded, issue.Identifier, "", pc.Name, map[string]any{
			"kind": string(errkind.KindOf(err)),
		})
	}

	if lastErr == nil {
		return nil, errkind.New(errkind.KindProviderUnavail, "all providers unusable")
	}
	return nil, errkind.WrapSub(errkind.KindOrchestrator, errkind.SubFallbackFailed, lastErr,
		"all providers failed")
}

// succeed finalizes a successful orchestration.
func (o *Orchestrator) succeed(ctx context.Context, issue *webhook.Issue, wt *worktree.Worktree, result *SpawnResult, log *logger.Logger) {
	issueID := issue.Identifier
	o.finalize(ctx, issue, StateDone, log)
	o.addLabel(ctx, issue, LabelExecuted, log)
	o.comment(ctx, issue, fmt.Sprintf(
		"Agent session completed.\n\n- Commit: `%s`\n- Files changed: %d\n- Duration: %s",
		result.CommitHash, result.FilesChanged, result.Duration.Round(time.Second)), log)

	if err := o.worktrees.Cleanup(ctx, issueID, false); err != nil {
		log.Warn("worktree cleanup failed", zap.Error(err))
	} else if wt != nil {
		o.publish(events.SubjectWorktreeRemoved, issueID, "", "", map[string]any{"path": wt.WorktreePath})
	}

	_ = o.sessions.UpdateStatus(issueID, session.StatusDone, "")
	_ = o.sessions.Archive(issueID)
	o.publish(events.SubjectSessionCompleted, issueID, "", "", map[string]any{
		"commit": result.CommitHash,
		"files":  result.FilesChanged,
	})
	log.Info("orchestration completed",
		zap.String("commit", result.CommitHash),
		zap.Int("files_changed", result.FilesChanged))
}

// fail finalizes a failed orchestration, preserving the worktree for
// inspection.
func (o *Orchestrator) fail(ctx context.Context, issue *webhook.Issue, wt *worktree.Worktree, cause error, log *logger.Logger) {
	issueID := issue.Identifier
	o.finalize(ctx, issue, StateFailed, log)
	o.addLabel(ctx, issue, LabelFailed, log)

	body := fmt.Sprintf("Agent session failed: %s (%s)", cause.Error(), errkind.KindOf(cause))
	if wt != nil {
		body += fmt.Sprintf("\n\nWorktree preserved at `%s`.", wt.WorktreePath)
	}
	o.comment(ctx, issue, body, log)

	if err := o.worktrees.Cleanup(ctx, issueID, true); err != nil {
		log.Warn("worktree preserve failed", zap.Error(err))
	}

	_ = o.sessions.UpdateStatus(issueID, session.StatusError, cause.Error())
	o.publish(events.SubjectSessionFailed, issueID, "", "", map[string]any{
		"error": cause.Error(),
		"kind":  string(errkind.KindOf(cause)),
	})
	log.Error("orchestration failed", zap.Error(cause))
}

// issueLock returns the per-issue status mutex.
func (o *Orchestrator) issueLock(issueID string) *sync.Mutex {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	if mu, ok := o.issueMus[issueID]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	o.issueMus[issueID] = mu
	return mu
}

// updateState writes a non-terminal issue state, skipped once finalized.
func (o *Orchestrator) updateState(ctx context.Context, issue *webhook.Issue, state string, log *logger.Logger) {
	mu := o.issueLock(issue.Identifier)
	mu.Lock()
	defer mu.Unlock()

	o.statusMu.Lock()
	done := o.finalized[issue.Identifier]
	o.statusMu.Unlock()
	if done {
		return
	}
	if err := o.tracker.UpdateIssueState(ctx, issue.ID, issue.TeamKey(), state); err != nil {
		// Tracker failures never abort orchestration.
		log.Warn("issue state update failed", zap.String("state", state), zap.Error(err))
	}
}

// finalize writes a terminal issue state exactly once.
func (o *Orchestrator) finalize(ctx context.Context, issue *webhook.Issue, state string, log *logger.Logger) {
	mu := o.issueLock(issue.Identifier)
	mu.Lock()
	defer mu.Unlock()

	o.statusMu.Lock()
	if o.finalized[issue.Identifier] {
		o.statusMu.Unlock()
		return
	}
	o.finalized[issue.Identifier] = true
	o.statusMu.Unlock()

	if err := o.tracker.UpdateIssueState(ctx, issue.ID, issue.TeamKey(), state); err != nil {
		log.Warn("final issue state update failed", zap.String("state", state), zap.Error(err))
	}
}

func (o *Orchestrator) addLabel(ctx context.Context, issue *webhook.Issue, label string, log *logger.Logger) {
	if err := o.tracker.AddLabel(ctx, issue.ID, issue.TeamKey(), label); err != nil {
		log.Warn("label update failed", zap.String("label", label), zap.Error(err))
	}
}

func (o *Orchestrator) comment(ctx context.Context, issue *webhook.Issue, body string, log *logger.Logger) {
	if err := o.tracker.PostComment(ctx, issue.ID, body); err != nil {
		log.Warn("comment failed", zap.Error(err))
	}
}

func (o *Orchestrator) reportRoutingFailure(ctx context.Context, issue *webhook.Issue) {
	log := o.logger.WithIssueID(issue.Identifier)
	// Direct state write, not finalize: a fixed routing config must be
	// able to retry the issue in this process.
	if err := o.tracker.UpdateIssueState(ctx, issue.ID, issue.TeamKey(), StateFailed); err != nil {
		log.Warn("issue state update failed", zap.String("state", StateFailed), zap.Error(err))
	}
	o.comment(ctx, issue,
		"No repository is configured for this issue. Add a routing label, a `[repo=...]` tag, or a team mapping.",
		log)
}

func (o *Orchestrator) postElicitation(ctx context.Context, issue *webhook.Issue, candidates []*repos.Repository) {
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.Name
	}
	o.comment(ctx, issue,
		fmt.Sprintf("Multiple repositories match this issue. Reply with one of: %v", names),
		o.logger.WithIssueID(issue.Identifier))
}

func (o *Orchestrator) publish(subject, issueID, sessionID, providerName string, extra map[string]any) {
	if o.bus == nil {
		return
	}
	event := bus.NewEvent(subject, events.Source, events.SessionPayload(issueID, sessionID, providerName, extra))
	if err := o.bus.Publish(context.Background(), subject, event); err != nil {
		o.logger.Warn("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// Reconcile runs at startup: stale worktrees are removed and session
// records owned by dead processes are marked failed.
func (o *Orchestrator) Reconcile(ctx context.Context, maxAgeHours int) {
	if removed, err := o.worktrees.CleanupOrphaned(ctx, maxAgeHours); err != nil {
		o.logger.Warn("orphan cleanup failed", zap.Error(err))
	} else if removed > 0 {
		o.logger.Info("orphaned worktrees removed", zap.Int("count", removed))
	}

	records, err := o.sessions.List()
	if err != nil {
		o.logger.Warn("session listing failed", zap.Error(err))
		return
	}
	for _, rec := range records {
		if rec.Status.Terminal() || o.sessions.ActiveElsewhere(rec.IssueID) {
			continue
		}
		if rec.PID != 0 && rec.PID != os.Getpid() {
			_ = o.sessions.UpdateStatus(rec.IssueID, session.StatusError, "process died before completion")
			_ = o.sessions.Archive(rec.IssueID)
		}
	}

	if pruned, err := o.sessions.PruneArchive(); err == nil && pruned > 0 {
		o.logger.Info("archived sessions pruned", zap.Int("count", pruned))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
