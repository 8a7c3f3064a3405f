package expansion

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/openclaw/lcm/pkg/expansionauth"
	"github.com/openclaw/lcm/pkg/logger"
	"github.com/openclaw/lcm/pkg/retrieval"
	"github.com/openclaw/lcm/pkg/routing"
	"github.com/openclaw/lcm/pkg/types/lcm"
)

// Strategy selects how a deep expansion executes.
type Strategy string

// Strategies.
const (
	StrategyAuto     Strategy = "auto"
	StrategyDirect   Strategy = "direct"
	StrategySubagent Strategy = "subagent"
)

// Defaults and bounds for orchestrated expansion.
const (
	DefaultMaxPasses     = 3
	DefaultWaitTimeout   = 120 * time.Second
	directDepthThreshold = 2
	perPassDepth         = 2
	synthesisClipRunes   = 400
)

// Request drives Run.
type Request struct {
	TargetIDs       []lcm.ItemID
	Question        string
	SessionKey      string
	Depth           int
	TokenCap        int
	IncludeMessages bool
	MaxPasses       int
	Strategy        Strategy
}

// PassReport records one sub-agent pass.
type PassReport struct {
	Index         int    `json:"index"`
	RunID         string `json:"runId"`
	Status        string `json:"status"`
	CitedCount    int    `json:"citedCount"`
	FrontierCount int    `json:"frontierCount"`
}

// Result is the orchestration outcome.
type Result struct {
	Strategy       Strategy     `json:"strategy"`
	Synthesis      string       `json:"synthesis"`
	CitedIDs       []string     `json:"citedIds"`
	NextSummaryIDs []lcm.ItemID `json:"nextSummaryIds"`
	Truncated      bool         `json:"truncated"`
	EstimatedTokens int         `json:"estimatedTokens"`
	Passes         []PassReport `json:"passes"`
	DelegatedRunIDs []string    `json:"delegatedRunRefs,omitempty"`
}

// Orchestrator coordinates deep expansion.
type Orchestrator struct {
	retrieval   *retrieval.Engine
	auth        *expansionauth.Registry
	gateway     Gateway
	waitTimeout time.Duration
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithGateway wires the sub-agent runner capability.
func WithGateway(g Gateway) Option {
	return func(o *Orchestrator) { o.gateway = g }
}

// WithWaitTimeout bounds the per-pass gateway wait.
func WithWaitTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.waitTimeout = d }
}

// New creates an orchestrator.
func New(ret *retrieval.Engine, auth *expansionauth.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		retrieval:   ret,
		auth:        auth,
		waitTimeout: DefaultWaitTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes the requested deep expansion, picking direct or
// sub-agent execution per the strategy rules. Delegated sessions and
// grants are released on every exit path.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	if len(req.TargetIDs) == 0 {
		return Result{}, lcm.NewValidationError("targetIds", "must not be empty")
	}
	if req.Depth <= 0 {
		req.Depth = directDepthThreshold
	}
	if req.Depth > lcm.MaxExpandDepth {
		req.Depth = lcm.MaxExpandDepth
	}
	if req.TokenCap <= 0 {
		req.TokenCap = retrieval.DefaultExpandTokenCap
	}
	if req.TokenCap > lcm.MaxExpandTokensCeiling {
		req.TokenCap = lcm.MaxExpandTokensCeiling
	}
	if req.MaxPasses <= 0 {
		req.MaxPasses = DefaultMaxPasses
	}

	if o.pickDirect(req) {
		return o.runDirect(ctx, req)
	}
	return o.runSubagent(ctx, req)
}

func (o *Orchestrator) pickDirect(req Request) bool {
	if o.gateway == nil || req.Strategy == StrategyDirect {
		return true
	}
	if req.Strategy == StrategySubagent {
		return false
	}
	if req.Depth <= directDepthThreshold {
		return true
	}
	decision := routing.Decide(routing.Input{
		Intent:                routing.IntentExplicitExpand,
		Query:                 req.Question,
		RequestedMaxDepth:     req.Depth,
		CandidateSummaryCount: len(req.TargetIDs),
		TokenCap:              req.TokenCap,
		IncludeMessages:       req.IncludeMessages,
	})
	return decision.Action != routing.DelegateTraversal
}

// runDirect expands each target in-process, splitting the cap across
// targets and synthesizing from the clipped child bodies.
func (o *Orchestrator) runDirect(ctx context.Context, req Request) (Result, error) {
	result := Result{Strategy: StrategyDirect}
	perTargetCap := req.TokenCap / len(req.TargetIDs)
	if perTargetCap < 1 {
		perTargetCap = 1
	}

	var parts []string
	for _, target := range req.TargetIDs {
		expanded, err := o.retrieval.Expand(ctx, retrieval.ExpandRequest{
			SummaryID:       target,
			Depth:           req.Depth,
			IncludeMessages: req.IncludeMessages,
			TokenCap:        perTargetCap,
			Auth:            retrieval.Auth{SessionKey: req.SessionKey},
		})
		if err != nil {
			if errors.Is(err, lcm.ErrNotFound) {
				logger.G(ctx).WithField("summary_id", target).Warn("expansion target not found, skipping")
				continue
			}
			return Result{}, err
		}

		for _, s := range expanded.Summaries {
			result.CitedIDs = append(result.CitedIDs, string(s.ItemID))
			if s.ItemID != expanded.RootSummaryID {
				parts = append(parts, clipRunes(s.Body, synthesisClipRunes))
			}
		}
		for _, m := range expanded.Messages {
			result.CitedIDs = append(result.CitedIDs, string(m.MessageID))
		}
		result.NextSummaryIDs = append(result.NextSummaryIDs, expanded.NextSummaryIDs...)
		result.Truncated = result.Truncated || expanded.Truncated
		result.EstimatedTokens += expanded.EstimatedTokens
	}

	if len(result.CitedIDs) == 0 {
		return Result{}, errors.Wrap(lcm.ErrNotFound, "no expansion targets resolved")
	}

	result.Synthesis = strings.Join(parts, "\n\n")
	return result, nil
}

// runSubagent resolves the authorized conversation set, issues a
// scoped grant to a fresh delegate session, and iterates bounded
// passes against the gateway. The grant and the session are released
// on every exit path.
func (o *Orchestrator) runSubagent(ctx context.Context, req Request) (result Result, err error) {
	conversations, err := o.resolveConversations(ctx, req)
	if err != nil {
		return Result{}, err
	}

	delegateKey := "lcm-sub-" + uuid.NewString()
	delegator := req.SessionKey
	if delegator == "" {
		delegator = "main"
	}
	if _, err := o.auth.IssueGrant(expansionauth.GrantInput{
		DelegatorSessionKey: delegator,
		DelegateSessionKey:  delegateKey,
		ConversationIDs:     conversations,
		MaxDepth:            req.Depth,
		MaxTokenCap:         req.TokenCap,
	}); err != nil {
		return Result{}, err
	}

	defer func() {
		o.auth.RevokeSession(delegateKey)
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if delErr := o.gateway.DeleteSession(cleanupCtx, DeleteSessionInput{Key: delegateKey, DeleteTranscript: true}); delErr != nil {
			logger.G(ctx).WithError(delErr).Warn("failed to delete delegated session")
		}
	}()

	result = Result{Strategy: StrategySubagent}
	frontier := append([]lcm.ItemID(nil), req.TargetIDs...)
	remainingDepth := req.Depth
	remainingTokens := req.TokenCap
	var synthesisParts []string

	for pass := 0; pass < req.MaxPasses && len(frontier) > 0 && remainingDepth > 0 && remainingTokens > 0; pass++ {
		passDepth := min(perPassDepth, remainingDepth)
		passCap := min(req.TokenCap/req.MaxPasses, remainingTokens)
		if passCap < 1 {
			passCap = 1
		}

		reply, report, passErr := o.runPass(ctx, req, delegateKey, frontier, passDepth, passCap, pass)
		result.Passes = append(result.Passes, report)
		if report.RunID != "" {
			result.DelegatedRunIDs = append(result.DelegatedRunIDs, report.RunID)
		}
		if passErr != nil {
			result.NextSummaryIDs = frontier
			result.Truncated = true
			result.Synthesis = strings.Join(synthesisParts, "\n\n")
			return result, passErr
		}

		if reply.Synthesis != "" {
			synthesisParts = append(synthesisParts, reply.Synthesis)
		}
		result.CitedIDs = append(result.CitedIDs, reply.CitedIDs...)

		frontier = o.filterFrontier(ctx, delegateKey, reply.NextSummaryIDs)
		remainingDepth -= passDepth
		remainingTokens -= passCap
		result.EstimatedTokens += passCap
	}

	result.NextSummaryIDs = frontier
	result.Truncated = len(frontier) > 0
	result.Synthesis = strings.Join(synthesisParts, "\n\n")
	return result, nil
}

// resolveConversations maps targets to their conversation set through
// describe, which enforces the caller's own scope.
func (o *Orchestrator) resolveConversations(ctx context.Context, req Request) ([]lcm.ConversationID, error) {
	set := map[lcm.ConversationID]bool{}
	for _, target := range req.TargetIDs {
		desc, err := o.retrieval.Describe(ctx, string(target), retrieval.Auth{SessionKey: req.SessionKey})
		if err != nil {
			return nil, err
		}
		if desc == nil || desc.Summary == nil {
			logger.G(ctx).WithField("summary_id", target).Warn("unknown expansion target, skipping")
			continue
		}
		set[desc.Summary.ConversationID] = true
	}
	if len(set) == 0 {
		return nil, errors.Wrap(lcm.ErrNotFound, "no expansion targets resolved")
	}

	conversations := make([]lcm.ConversationID, 0, len(set))
	for conv := range set {
		conversations = append(conversations, conv)
	}
	sort.Slice(conversations, func(i, j int) bool { return conversations[i] < conversations[j] })
	return conversations, nil
}

func (o *Orchestrator) runPass(ctx context.Context, req Request, delegateKey string, frontier []lcm.ItemID, passDepth, passCap, passIndex int) (subagentReply, PassReport, error) {
	report := PassReport{Index: passIndex}

	prompt := buildPassPrompt(frontier, req.Question, passDepth, passCap, passIndex)
	spawned, err := o.gateway.Spawn(ctx, SpawnInput{
		Message:        prompt,
		SessionKey:     delegateKey,
		Lane:           "expansion",
		IdempotencyKey: fmt.Sprintf("%s-pass-%d", delegateKey, passIndex),
	})
	if err != nil {
		report.Status = WaitError
		return subagentReply{}, report, &lcm.ExternalError{Op: "spawn", Status: "error", Detail: err.Error()}
	}
	report.RunID = spawned.RunID

	waited, err := o.gateway.Wait(ctx, WaitInput{RunID: spawned.RunID, TimeoutMs: o.waitTimeout.Milliseconds()})
	if err != nil {
		report.Status = WaitError
		return subagentReply{}, report, &lcm.ExternalError{Op: "wait", Status: "error", Detail: err.Error()}
	}
	report.Status = waited.Status

	switch waited.Status {
	case WaitOK:
	case WaitTimeout:
		return subagentReply{}, report, &lcm.ExternalTimeoutError{Op: "sub-agent expansion", TimeoutMs: o.waitTimeout.Milliseconds()}
	default:
		return subagentReply{}, report, &lcm.ExternalError{Op: "sub-agent expansion", Status: waited.Status, Detail: waited.Error}
	}

	history, err := o.gateway.ReadHistory(ctx, ReadHistoryInput{SessionKey: delegateKey, Limit: 10})
	if err != nil {
		return subagentReply{}, report, &lcm.ExternalError{Op: "read history", Status: "error", Detail: err.Error()}
	}

	raw := lastAssistantText(history)
	reply, parsed := parseSubagentReply(raw)
	if !parsed {
		logger.G(ctx).WithField("pass", passIndex).Warn("sub-agent reply not structured, using raw text as synthesis")
		reply = subagentReply{Synthesis: strings.TrimSpace(raw)}
	}
	report.CitedCount = len(reply.CitedIDs)
	report.FrontierCount = len(reply.NextSummaryIDs)
	return reply, report, nil
}

// filterFrontier keeps proposed next summaries that describe resolves
// under the delegate's grant, dropping unknown or out-of-scope ids.
func (o *Orchestrator) filterFrontier(ctx context.Context, delegateKey string, proposed []string) []lcm.ItemID {
	var kept []lcm.ItemID
	for _, id := range proposed {
		desc, err := o.retrieval.Describe(ctx, id, retrieval.Auth{SessionKey: delegateKey})
		if err != nil {
			logger.G(ctx).WithField("summary_id", id).WithError(err).Warn("dropping out-of-scope frontier id")
			continue
		}
		if desc == nil || desc.Summary == nil || desc.Summary.ItemType != lcm.ItemSummary {
			logger.G(ctx).WithField("summary_id", id).Warn("dropping unknown frontier id")
			continue
		}
		kept = append(kept, desc.Summary.ID)
	}
	return kept
}

func buildPassPrompt(frontier []lcm.ItemID, question string, passDepth, passCap, passIndex int) string {
	targets := make([]string, len(frontier))
	for i, id := range frontier {
		targets[i] = string(id)
	}
	sort.Strings(targets)

	var b strings.Builder
	fmt.Fprintf(&b, "Expand the following summaries (pass %d):\n", passIndex)
	for _, t := range targets {
		fmt.Fprintf(&b, "- %s\n", t)
	}
	fmt.Fprintf(&b, "\nQuestion: %s\n", question)
	fmt.Fprintf(&b, "Depth cap: %d. Token cap: %d.\n\n", passDepth, passCap)
	b.WriteString("Use the lcm_expand and lcm_grep tools to traverse these summaries. ")
	b.WriteString("Return strict JSON only: {\"synthesis\": string, \"citedIds\": [string], \"nextSummaryIds\": [string]}.")
	return b.String()
}

func lastAssistantText(history History) string {
	for i := len(history.Messages) - 1; i >= 0; i-- {
		if history.Messages[i].Role != "assistant" {
			continue
		}
		var parts []string
		for _, block := range history.Messages[i].Content {
			if block.Type == "text" && block.Text != "" {
				parts = append(parts, block.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	return ""
}

func clipRunes(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}
