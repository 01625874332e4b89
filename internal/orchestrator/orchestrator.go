// Package orchestrator drives the full answer pipeline for one request and
// emits typed SSE events onto a bounded channel. Stages run under soft
// budgets; overruns degrade to partial results instead of failing the
// request. Only the safety and classify stages may abort before streaming.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"lagrum/internal/embedding"
	"lagrum/internal/expand"
	"lagrum/internal/fusion"
	"lagrum/internal/grade"
	"lagrum/internal/guard"
	"lagrum/internal/intent"
	"lagrum/internal/llm"
	"lagrum/internal/logging"
	"lagrum/internal/parents"
	"lagrum/internal/prompt"
	"lagrum/internal/rewrite"
	"lagrum/internal/types"
)

// =============================================================================
// DEPENDENCIES
// =============================================================================

// Classifier resolves the question intent.
type Classifier interface {
	Classify(ctx context.Context, question string) types.Intent
}

// Expander produces query variants for multi-query retrieval.
type Expander interface {
	Expand(ctx context.Context, question string) []string
}

// VectorSearcher is the dense retrieval backend.
type VectorSearcher interface {
	Query(ctx context.Context, collection string, embedding []float32, k int, where map[string]string) ([]types.SearchResult, error)
	HasCollection(name string) bool
}

// LexicalSearcher is the BM25 backend.
type LexicalSearcher interface {
	Search(ctx context.Context, query string, k int) ([]types.SearchResult, error)
}

// Reranker rescoring stage.
type Reranker interface {
	Rerank(ctx context.Context, mode types.Mode, query string, candidates []types.SearchResult) ([]types.SearchResult, error)
}

// Grader is the per-document relevance grader.
type Grader interface {
	Grade(ctx context.Context, question string, candidates []types.SearchResult) types.GradingResult
}

// ParentExpander resolves kapitel-level context for SFS chunks.
type ParentExpander interface {
	Expand(ctx context.Context, results []types.SearchResult) (parents.Expansion, error)
}

// =============================================================================
// OPTIONS
// =============================================================================

// Budgets are per-stage soft deadlines. A zero value means no budget.
type Budgets struct {
	Expand   time.Duration
	Retrieve time.Duration
	Rerank   time.Duration
	Grade    time.Duration
	Parents  time.Duration
}

// DefaultBudgets returns the stage budget defaults.
func DefaultBudgets() Budgets {
	return Budgets{
		Expand:   1 * time.Second,
		Retrieve: 3 * time.Second,
		Rerank:   2 * time.Second,
		Grade:    2 * time.Second,
		Parents:  1 * time.Second,
	}
}

// CutoverPolicy forbids resolving queries against legacy collections.
type CutoverPolicy struct {
	Enforce           bool
	LegacyCollections []string
	AllowedFallback   []string
}

// Options tunes one Orchestrator instance. The whole struct is swappable at
// runtime through UpdateOptions; in-flight requests keep the snapshot they
// started with.
type Options struct {
	Budgets         Budgets
	MaxParallelism  int
	DefaultK        int
	RRFK            int
	BM25Weight      float64
	Cutover         CutoverPolicy
	RefusalTemplate string
	// DefaultCollections is the fallback search scope when routing yields no
	// collections for a non-chat request.
	DefaultCollections []string
	// GradingDisabled skips the CRAG stage even when a grader is wired.
	GradingDisabled bool
	// EventBuffer sizes the per-request event channel.
	EventBuffer int
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		Budgets:        DefaultBudgets(),
		MaxParallelism: 8,
		DefaultK:       10,
		RRFK:           fusion.DefaultK,
		BM25Weight:     fusion.DefaultBM25Weight,
		EventBuffer:    64,
	}
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator is reentrant across concurrent requests. Stage dependencies
// are read-only after construction; options are behind an atomic pointer so
// config reloads can retune a running instance.
type Orchestrator struct {
	rewriter   *rewrite.Rewriter
	classifier Classifier
	expander   Expander
	embedder   embedding.Engine
	vectors    VectorSearcher
	lexical    LexicalSearcher
	reranker   Reranker
	grader     Grader
	parents    ParentExpander
	composer   *prompt.Composer
	llm        llm.Client
	opts       atomic.Pointer[Options]
}

// Deps bundles the pipeline stages for construction.
type Deps struct {
	Rewriter   *rewrite.Rewriter
	Classifier Classifier
	Expander   Expander
	Embedder   embedding.Engine
	Vectors    VectorSearcher
	Lexical    LexicalSearcher
	Reranker   Reranker
	Grader     Grader
	Parents    ParentExpander
	Composer   *prompt.Composer
	LLM        llm.Client
}

// New wires an orchestrator. Nil optional stages (expander, reranker, grader,
// parents, lexical) disable the corresponding step.
func New(deps Deps, opts Options) *Orchestrator {
	if deps.Rewriter == nil {
		deps.Rewriter = rewrite.NewRewriter()
	}
	if deps.Composer == nil {
		deps.Composer = &prompt.Composer{}
	}
	o := &Orchestrator{
		rewriter:   deps.Rewriter,
		classifier: deps.Classifier,
		expander:   deps.Expander,
		embedder:   deps.Embedder,
		vectors:    deps.Vectors,
		lexical:    deps.Lexical,
		reranker:   deps.Reranker,
		grader:     deps.Grader,
		parents:    deps.Parents,
		composer:   deps.Composer,
		llm:        deps.LLM,
	}
	o.UpdateOptions(opts)
	return o
}

// UpdateOptions swaps the tuning knobs for subsequent requests. Safe to call
// concurrently with Run; requests already started are unaffected.
func (o *Orchestrator) UpdateOptions(opts Options) {
	normalizeOptions(&opts)
	o.opts.Store(&opts)
}

func normalizeOptions(opts *Options) {
	if opts.MaxParallelism <= 0 {
		opts.MaxParallelism = 8
	}
	if opts.DefaultK <= 0 {
		opts.DefaultK = 10
	}
	if opts.RRFK <= 0 {
		opts.RRFK = fusion.DefaultK
	}
	if opts.BM25Weight <= 0 {
		opts.BM25Weight = fusion.DefaultBM25Weight
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
}

// Run executes the pipeline for one request. The returned channel is closed
// after the terminal event (exactly one done or error). Cancelling ctx
// cancels every in-flight subtask.
func (o *Orchestrator) Run(ctx context.Context, requestID string, req types.QueryRequest) <-chan types.Event {
	opts := *o.opts.Load()
	out := make(chan types.Event, opts.EventBuffer)
	go func() {
		defer close(out)
		o.run(ctx, requestID, req, opts, out)
	}()
	return out
}

// emit delivers one event unless the request is cancelled.
func emit(ctx context.Context, out chan<- types.Event, ev types.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func phase(ctx context.Context, out chan<- types.Event, name string) bool {
	return emit(ctx, out, types.Event{Type: types.EventPhase, Phase: name})
}

func (o *Orchestrator) run(ctx context.Context, requestID string, req types.QueryRequest, opts Options, out chan<- types.Event) {
	log := logging.WithRequestID(logging.CategoryOrchestrator, requestID)
	metrics := &types.StageMetrics{RequestID: requestID}
	start := time.Now()

	fail := func(err error) {
		log.Error("pipeline aborted: %v", err)
		emit(ctx, out, types.Event{
			Type:         types.EventError,
			ErrorKind:    types.ErrorKind(err),
			ErrorMessage: err.Error(),
		})
	}

	question := strings.TrimSpace(req.Question)
	if question == "" {
		fail(fmt.Errorf("%w: empty question", types.ErrInvalidInput))
		return
	}

	// SAFETY is mandatory and runs before any model call.
	if !phase(ctx, out, "safety") {
		return
	}
	if err := guard.CheckQuerySafety(question); err != nil {
		fail(err)
		return
	}
	metrics.AddTiming("safety", time.Since(start), false)

	// CLASSIFY is mandatory.
	if !phase(ctx, out, "classify") {
		return
	}
	t := time.Now()
	qIntent := types.IntentUnknown
	if o.classifier != nil {
		qIntent = o.classifier.Classify(ctx, question)
	}
	metrics.Intent = qIntent
	metrics.AddTiming("classify", time.Since(t), false)
	if ctx.Err() != nil {
		fail(ctx.Err())
		return
	}

	mode := resolveMode(req.Mode, qIntent)
	log.WithField("intent", string(qIntent)).Info("classified, mode=%s", mode)

	if mode == types.ModeChat {
		o.runChat(ctx, question, metrics, out)
		return
	}

	// REWRITE is deterministic and never fails.
	if !phase(ctx, out, "rewrite") {
		return
	}
	t = time.Now()
	rw := o.rewriter.Rewrite(question, req.History)
	metrics.AddTiming("rewrite", time.Since(t), false)
	if rw.NeedsRewrite && len(req.History) > 0 && rw.Standalone != rw.Original {
		if !emit(ctx, out, types.Event{
			Type:      types.EventDecontextualized,
			Original:  rw.Original,
			Rewritten: rw.Standalone,
		}) {
			return
		}
	}

	// EXPAND fails open: on budget overrun or model failure retrieval runs
	// with the standalone query alone.
	if !phase(ctx, out, "expand") {
		return
	}
	t = time.Now()
	var variants []string
	if o.expander != nil {
		expandCtx, cancel := stageContext(ctx, opts.Budgets.Expand)
		variants = o.expander.Expand(expandCtx, rw.Standalone)
		cancel()
		variants = expand.ValidateVariants(rw.Original, req.History, variants)
	}
	metrics.VariantCount = len(variants)
	metrics.AddTiming("expand", time.Since(t), false)

	route := intent.RouteFor(qIntent)
	if len(route.AllCollections()) == 0 {
		route.Primary = opts.DefaultCollections
	}
	if err := checkCutover(route, opts.Cutover, metrics); err != nil {
		fail(err)
		return
	}

	// RETRIEVE fans out dense legs plus one BM25 leg; per-leg failures are
	// swallowed and recorded.
	if !phase(ctx, out, "retrieve") {
		return
	}
	t = time.Now()
	k := req.K
	if k <= 0 {
		k = opts.DefaultK
	}
	queries := append([]string{rw.Standalone}, variants...)
	inputs, partial := o.retrieve(ctx, queries, rw.Lexical, route, k, req.Filter, opts, metrics)
	metrics.AddTiming("retrieve", time.Since(t), partial)

	// FUSE.
	if !phase(ctx, out, "fuse") {
		return
	}
	t = time.Now()
	fused, fm := fusion.Fuse(inputs, opts.RRFK, opts.BM25Weight)
	if fusion.ShouldSkip(fm) {
		fused = fusion.BestSingle(inputs)
	}
	metrics.FusionGain = fm.FusionGain
	metrics.FusionSkipped = fm.SkippedFusion
	metrics.AddTiming("fuse", time.Since(t), false)

	primary, secondary := splitSecondary(fused, route)

	// RERANK degrades to passthrough on backend failure.
	if !phase(ctx, out, "rerank") {
		return
	}
	t = time.Now()
	rerankPartial := false
	if o.reranker != nil && ctx.Err() == nil {
		rerankCtx, cancel := stageContext(ctx, opts.Budgets.Rerank)
		reranked, err := o.reranker.Rerank(rerankCtx, mode, rw.Standalone, primary)
		cancel()
		if err != nil {
			log.Warn("rerank unavailable, keeping fused order: %v", err)
			rerankPartial = true
		} else {
			primary = reranked
		}
	}
	metrics.AddTiming("rerank", time.Since(t), rerankPartial)

	// GRADE.
	if !phase(ctx, out, "grade") {
		return
	}
	t = time.Now()
	kept := primary
	if o.grader != nil && !opts.GradingDisabled && ctx.Err() == nil {
		gradeCtx, cancel := stageContext(ctx, opts.Budgets.Grade)
		gr := o.grader.Grade(gradeCtx, rw.Standalone, primary)
		cancel()
		kept = grade.Keep(primary, gr)
	}
	metrics.AddTiming("grade", time.Since(t), false)

	level := guard.EvidenceLevelFor(kept)
	refusal := guard.ShouldRefuse(mode, level)

	// EXPAND_PARENTS never fails the request.
	if !phase(ctx, out, "expand_parents") {
		return
	}
	t = time.Now()
	expansion := parents.Expansion{Passthrough: kept}
	if o.parents != nil && !refusal && ctx.Err() == nil {
		parentCtx, cancel := stageContext(ctx, opts.Budgets.Parents)
		if exp, err := o.parents.Expand(parentCtx, kept); err == nil {
			expansion = exp
		} else {
			log.Warn("parent expansion failed: %v", err)
		}
		cancel()
	}
	metrics.AddTiming("expand_parents", time.Since(t), false)

	// metadata precedes the first token.
	if !emit(ctx, out, types.Event{
		Type:          types.EventMetadata,
		Mode:          mode,
		Sources:       kept,
		EvidenceLevel: level,
		Refusal:       refusal,
	}) {
		return
	}

	if refusal {
		answer := guard.RefusalAnswer(opts.RefusalTemplate, question)
		if !emit(ctx, out, types.Event{Type: types.EventToken, Token: answer}) {
			return
		}
		emit(ctx, out, types.Event{Type: types.EventDone, Answer: answer, Metrics: metrics})
		return
	}

	// COMPOSE + GEN.
	if !phase(ctx, out, "generate") {
		return
	}
	promptText := o.composer.Compose(mode, rw.Standalone, kept, expansion.Parents)
	if len(secondary) > 0 {
		promptText += "\n" + o.composer.SecondaryBlock(secondary)
	}

	answer, err := o.stream(ctx, promptText, metrics, out)
	if err != nil {
		// Downstream of classify a dead LLM degrades instead of erroring.
		if ctx.Err() != nil {
			fail(ctx.Err())
			return
		}
		log.Error("generation failed: %v", err)
		answer = guard.RefusalAnswer(opts.RefusalTemplate, question)
		if !emit(ctx, out, types.Event{Type: types.EventToken, Token: answer}) {
			return
		}
	}

	o.post(ctx, answer, metrics, out)
}

// runChat handles the retrieval-free path.
func (o *Orchestrator) runChat(ctx context.Context, question string, metrics *types.StageMetrics, out chan<- types.Event) {
	if !emit(ctx, out, types.Event{Type: types.EventMetadata, Mode: types.ModeChat}) {
		return
	}
	if !phase(ctx, out, "generate") {
		return
	}
	promptText := o.composer.Compose(types.ModeChat, question, nil, nil)
	answer, err := o.stream(ctx, promptText, metrics, out)
	if err != nil {
		if ctx.Err() != nil {
			emit(ctx, out, types.Event{
				Type:         types.EventError,
				ErrorKind:    types.ErrorKind(ctx.Err()),
				ErrorMessage: ctx.Err().Error(),
			})
			return
		}
		answer = fmt.Sprintf("Tyvärr kan jag inte svara just nu. Din fråga var: %s", question)
		if !emit(ctx, out, types.Event{Type: types.EventToken, Token: answer}) {
			return
		}
	}
	o.post(ctx, answer, metrics, out)
}

// stream runs the LLM and forwards deltas as token events, returning the
// accumulated answer.
func (o *Orchestrator) stream(ctx context.Context, promptText string, metrics *types.StageMetrics, out chan<- types.Event) (string, error) {
	if o.llm == nil {
		return "", fmt.Errorf("%w: no model configured", types.ErrDependencyUnavailable)
	}
	deltas, errs := o.llm.ChatStream(ctx, []llm.Message{{Role: "user", Content: promptText}}, nil)

	var b strings.Builder
	for {
		select {
		case d, ok := <-deltas:
			if !ok {
				// The producer may have parked a terminal error before
				// closing the delta channel.
				select {
				case err := <-errs:
					if err != nil {
						return b.String(), err
					}
				default:
				}
				return b.String(), nil
			}
			if d.Done {
				return b.String(), nil
			}
			if d.Text != "" {
				b.WriteString(d.Text)
				metrics.TokensStreamed++
				if !emit(ctx, out, types.Event{Type: types.EventToken, Token: d.Text}) {
					return b.String(), ctx.Err()
				}
			}
		case err := <-errs:
			if err != nil {
				return b.String(), err
			}
		case <-ctx.Done():
			return b.String(), ctx.Err()
		}
	}
}

// post applies term corrections and emits the terminal done event.
func (o *Orchestrator) post(ctx context.Context, answer string, metrics *types.StageMetrics, out chan<- types.Event) {
	corrected, applied, _ := guard.ApplyCorrections(answer)
	if len(applied) > 0 {
		if !emit(ctx, out, types.Event{Type: types.EventCorrections, Corrections: applied}) {
			return
		}
	}
	if prompt.IsTruncatedAnswer(corrected) {
		logging.Orchestrator("answer looks truncated (%d chars)", len(corrected))
	}
	emit(ctx, out, types.Event{Type: types.EventDone, Answer: corrected, Metrics: metrics})
}

// resolveMode maps auto mode onto a policy from the intent: smalltalk chats,
// statute lookups answer under strict citation, everything else assists.
func resolveMode(requested types.Mode, qIntent types.Intent) types.Mode {
	if requested != "" && requested != types.ModeAuto {
		return requested
	}
	switch qIntent {
	case types.IntentSmalltalk:
		return types.ModeChat
	case types.IntentLegalText:
		return types.ModeEvidence
	default:
		return types.ModeAssist
	}
}

// checkCutover screens the routing plan against the legacy-collection block.
func checkCutover(route types.RoutingConfig, policy CutoverPolicy, metrics *types.StageMetrics) error {
	legacy := make(map[string]bool, len(policy.LegacyCollections))
	for _, c := range policy.LegacyCollections {
		legacy[c] = true
	}
	for _, c := range policy.AllowedFallback {
		delete(legacy, c)
	}

	var violations []string
	for _, c := range route.AllCollections() {
		if legacy[c] {
			violations = append(violations, c)
		}
	}
	if len(violations) == 0 {
		return nil
	}
	metrics.CutoverViolations = violations
	if policy.Enforce {
		return &types.CutoverViolationError{Collections: violations}
	}
	logging.Orchestrator("cutover violation recorded (enforcement off): %v", violations)
	return nil
}

// splitSecondary pulls secondary-tier docs out of the fused list when the
// routing plan requires separation, capped at the secondary budget.
func splitSecondary(fused []types.SearchResult, route types.RoutingConfig) (primary, secondary []types.SearchResult) {
	if !route.RequireSeparation {
		return fused, nil
	}
	for _, r := range fused {
		if r.Tier == types.TierSecondary {
			if route.SecondaryBudget <= 0 || len(secondary) < route.SecondaryBudget {
				secondary = append(secondary, r)
			}
			continue
		}
		primary = append(primary, r)
	}
	return primary, secondary
}

// stageContext applies a soft budget; zero budget inherits the parent.
func stageContext(ctx context.Context, budget time.Duration) (context.Context, context.CancelFunc) {
	if budget <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, budget)
}
