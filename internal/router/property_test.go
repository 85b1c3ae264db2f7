//go:build property

package router

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"venueline/internal/domain"
)

func TestRouterTerminationProperty(t *testing.T) {
	r, _ := newRouter(t)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	message := gen.SliceOfN(len(entityKeys)+1, gen.IntRange(-2, 7))
	conversation := gen.SliceOf(message)

	properties.Property("router stays within the iteration cap", prop.ForAll(
		func(msgs [][]int, approvals []bool) bool {
			rec := &domain.Record{Stage: 1, Status: domain.StatusOpen}
			for i, choices := range msgs {
				approve := i < len(approvals) && approvals[i]
				out, err := simulateTurn(t, r, rec, randomSignals(choices), approve)
				if err != nil || out.Iterations > r.MaxIterations {
					return false
				}
				if rec.Stage < domain.FirstStage || rec.Stage > domain.LastStage {
					return false
				}
			}
			return true
		},
		conversation,
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
