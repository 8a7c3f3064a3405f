package compaction

import "math"

// Reason explains why compaction fired (or did not).
type Reason string

// Trigger reasons in priority order.
const (
	ReasonManual           Reason = "manual"
	ReasonTokenThreshold   Reason = "token_threshold"
	ReasonMessageThreshold Reason = "message_threshold"
	ReasonNone             Reason = "none"
)

// TriggerInput feeds EvaluateTrigger.
type TriggerInput struct {
	AssembledTokens   int
	ModelBudget       int
	ContextThreshold  float64 // clamped to [0.1, 1.25]
	ActiveMessages    int
	MaxActiveMessages int
	Manual            bool
}

// Decision is the trigger evaluation outcome.
type Decision struct {
	Reason          Reason `json:"reason"`
	TokenTrigger    int    `json:"token_trigger"`
	AssembledTokens int    `json:"assembled_tokens"`
	ActiveMessages  int    `json:"active_messages"`
}

// EvaluateTrigger computes the compaction decision. Priority: manual,
// then token threshold, then message threshold.
func EvaluateTrigger(in TriggerInput) Decision {
	threshold := in.ContextThreshold
	if threshold < 0.1 {
		threshold = 0.1
	}
	if threshold > 1.25 {
		threshold = 1.25
	}

	decision := Decision{
		TokenTrigger:    int(math.Floor(threshold * float64(in.ModelBudget))),
		AssembledTokens: in.AssembledTokens,
		ActiveMessages:  in.ActiveMessages,
	}

	switch {
	case in.Manual:
		decision.Reason = ReasonManual
	case decision.TokenTrigger > 0 && in.AssembledTokens >= decision.TokenTrigger:
		decision.Reason = ReasonTokenThreshold
	case in.MaxActiveMessages > 0 && in.ActiveMessages > in.MaxActiveMessages:
		decision.Reason = ReasonMessageThreshold
	default:
		decision.Reason = ReasonNone
	}

	return decision
}
