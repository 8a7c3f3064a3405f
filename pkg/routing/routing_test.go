package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecide_ZeroCandidatesAnswersDirectly(t *testing.T) {
	d := Decide(Input{
		Intent:                IntentQueryProbe,
		Query:                 "nope",
		CandidateSummaryCount: 0,
		RequestedMaxDepth:     3,
		TokenCap:              120,
	})

	assert.Equal(t, AnswerDirectly, d.Action)
	assert.True(t, d.Triggers.DirectByNoCandidates)
	assert.NotEmpty(t, d.Reasons)
}

func TestDecide_DepthBoundary(t *testing.T) {
	base := Input{
		Intent:                IntentQueryProbe,
		Query:                 "auth chain",
		CandidateSummaryCount: 2,
		TokenCap:              10000,
	}

	shallow := base
	shallow.RequestedMaxDepth = 2
	d := Decide(shallow)
	assert.Equal(t, ExpandShallow, d.Action)

	deep := base
	deep.RequestedMaxDepth = 3
	d = Decide(deep)
	assert.Equal(t, DelegateTraversal, d.Action)
	assert.True(t, d.Triggers.DelegateByTokenRisk || d.Indicators.MultiHop)
}

func TestDecide_LowComplexityProbeAnswersDirectly(t *testing.T) {
	d := Decide(Input{
		Intent:                IntentQueryProbe,
		Query:                 "what was decided",
		CandidateSummaryCount: 1,
		RequestedMaxDepth:     1,
		TokenCap:              10000,
	})

	assert.Equal(t, AnswerDirectly, d.Action)
	assert.True(t, d.Triggers.DirectByLowComplexity)
}

func TestDecide_HighRiskDelegates(t *testing.T) {
	d := Decide(Input{
		Intent:                IntentExplicitExpand,
		CandidateSummaryCount: 2,
		RequestedMaxDepth:     2,
		TokenCap:              100, // estimate dwarfs the cap
		IncludeMessages:       true,
	})

	assert.Equal(t, DelegateTraversal, d.Action)
	assert.True(t, d.Triggers.DelegateByTokenRisk)
	assert.Equal(t, RiskHigh, d.RiskLevel)
}

func TestDecide_BroadTimeRangeDetection(t *testing.T) {
	tests := []struct {
		query string
		want  bool
	}{
		{"what happened over the last 6 months", true},
		{"show me the timeline of the migration", true},
		{"compare 2021 and 2024 architecture decisions", true},
		{"compare 2023 and 2024", false}, // under two years apart
		{"what broke yesterday", false},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			d := Decide(Input{
				Intent:                IntentQueryProbe,
				Query:                 tt.query,
				CandidateSummaryCount: 2,
				RequestedMaxDepth:     1,
				TokenCap:              100000,
			})
			assert.Equal(t, tt.want, d.Indicators.BroadTimeRange)
		})
	}
}

func TestDecide_MultiHopDetection(t *testing.T) {
	byDepth := Decide(Input{Intent: IntentQueryProbe, CandidateSummaryCount: 1, RequestedMaxDepth: 3, TokenCap: 100000})
	assert.True(t, byDepth.Indicators.MultiHop)

	byCandidates := Decide(Input{Intent: IntentQueryProbe, CandidateSummaryCount: 5, RequestedMaxDepth: 1, TokenCap: 100000})
	assert.True(t, byCandidates.Indicators.MultiHop)

	byQuery := Decide(Input{Intent: IntentQueryProbe, Query: "find the root cause of the outage", CandidateSummaryCount: 1, RequestedMaxDepth: 1, TokenCap: 100000})
	assert.True(t, byQuery.Indicators.MultiHop)
}

func TestDecide_BroadAndMultiHopDelegates(t *testing.T) {
	d := Decide(Input{
		Intent:                IntentExplicitExpand,
		Query:                 "timeline of the chain of events behind the outage",
		CandidateSummaryCount: 2,
		RequestedMaxDepth:     2,
		TokenCap:              1000000,
	})

	require.True(t, d.Indicators.BroadTimeRange)
	require.True(t, d.Indicators.MultiHop)
	assert.Equal(t, DelegateTraversal, d.Action)
	assert.True(t, d.Triggers.DelegateByBroadMultiHop)
}

func TestDecide_Deterministic(t *testing.T) {
	in := Input{
		Intent:                IntentQueryProbe,
		Query:                 "auth chain across the last 3 months",
		CandidateSummaryCount: 3,
		RequestedMaxDepth:     4,
		TokenCap:              2000,
		IncludeMessages:       true,
	}

	first := Decide(in)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Decide(in))
	}
}

func TestDecide_NormalizesInputs(t *testing.T) {
	d := Decide(Input{Intent: IntentQueryProbe, CandidateSummaryCount: 1, RequestedMaxDepth: 0, TokenCap: 0})
	assert.Equal(t, 3, d.Depth, "depth defaults to 3")
	assert.Equal(t, 1, d.TokenCap, "token cap normalizes to >= 1")

	d = Decide(Input{Intent: IntentQueryProbe, CandidateSummaryCount: 1, RequestedMaxDepth: 50, TokenCap: 100})
	assert.Equal(t, 10, d.Depth, "depth clamps to 10")
}
