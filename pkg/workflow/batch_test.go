package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateBoundary(t *testing.T) {
	tests := []struct {
		name           string
		counters       BatchCounters
		sealed         bool
		boundary       BoundaryConfig
		deadlinePassed bool
		wantSatisfied  bool
		wantReason     string
		wantOutcome    TaskStatus
	}{
		{
			name:          "min count met short-circuits before sealing",
			counters:      BatchCounters{ExpectedCount: 10, ProcessedCount: 3},
			sealed:        false,
			boundary:      BoundaryConfig{MinCount: 3},
			wantSatisfied: true,
			wantReason:    ReasonCountMet,
			wantOutcome:   TaskCompleted,
		},
		{
			name:          "unsealed and below min count is not satisfied",
			counters:      BatchCounters{ExpectedCount: 10, ProcessedCount: 3},
			sealed:        false,
			boundary:      BoundaryConfig{},
			wantSatisfied: false,
			wantReason:    ReasonNotSatisfied,
		},
		{
			name:          "sealed and fully done with full success completes",
			counters:      BatchCounters{ExpectedCount: 4, ProcessedCount: 4, FailedCount: 0},
			sealed:        true,
			boundary:      BoundaryConfig{},
			wantSatisfied: true,
			wantReason:    ReasonThresholdMet,
			wantOutcome:   TaskCompleted,
		},
		{
			name:          "sealed and done below minSuccessPercent fails when failOnTimeout",
			counters:      BatchCounters{ExpectedCount: 4, ProcessedCount: 2, FailedCount: 2},
			sealed:        true,
			boundary:      BoundaryConfig{MinSuccessPercent: 90, FailOnTimeout: true},
			wantSatisfied: true,
			wantReason:    ReasonThresholdMet,
			wantOutcome:   TaskFailed,
		},
		{
			name:          "sealed and done below minSuccessPercent completes without failOnTimeout",
			counters:      BatchCounters{ExpectedCount: 4, ProcessedCount: 2, FailedCount: 2},
			sealed:        true,
			boundary:      BoundaryConfig{MinSuccessPercent: 90},
			wantSatisfied: true,
			wantReason:    ReasonThresholdMet,
			wantOutcome:   TaskCompleted,
		},
		{
			name:          "deadline passed settles an unsealed batch",
			counters:      BatchCounters{ExpectedCount: 10, ProcessedCount: 3},
			sealed:        false,
			boundary:      BoundaryConfig{},
			deadlinePassed: true,
			wantSatisfied: true,
			wantReason:    ReasonDeadlinePassed,
			wantOutcome:   TaskCompleted,
		},
		{
			name:          "deadline passed fails outstanding work when failOnTimeout",
			counters:      BatchCounters{ExpectedCount: 10, ProcessedCount: 3},
			sealed:        false,
			boundary:      BoundaryConfig{FailOnTimeout: true},
			deadlinePassed: true,
			wantSatisfied: true,
			wantReason:    ReasonDeadlinePassed,
			wantOutcome:   TaskFailed,
		},
		{
			name:          "sealed but not yet done and no deadline is not satisfied",
			counters:      BatchCounters{ExpectedCount: 4, ProcessedCount: 1, ReceivedCount: 2},
			sealed:        true,
			boundary:      BoundaryConfig{},
			wantSatisfied: false,
			wantReason:    ReasonNotSatisfied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := EvaluateBoundary(tt.counters, tt.sealed, tt.boundary, tt.deadlinePassed)
			assert.Equal(t, tt.wantSatisfied, result.Satisfied)
			assert.Equal(t, tt.wantReason, result.Reason)
			if tt.wantSatisfied {
				assert.Equal(t, tt.wantOutcome, result.Outcome)
			}
		})
	}
}

func TestEvaluateBoundary_IsDeterministic(t *testing.T) {
	counters := BatchCounters{ExpectedCount: 5, ProcessedCount: 5}
	boundary := BoundaryConfig{MinSuccessPercent: 80}

	first := EvaluateBoundary(counters, true, boundary, false)
	second := EvaluateBoundary(counters, true, boundary, false)
	assert.Equal(t, first, second)
}

func TestEvaluateBoundary_ZeroExpectedCountAvoidsDivideByZero(t *testing.T) {
	result := EvaluateBoundary(BatchCounters{}, true, BoundaryConfig{}, false)
	assert.True(t, result.Satisfied)
	assert.Equal(t, ReasonThresholdMet, result.Reason)
}
