package service

import (
	"fmt"

	"github.com/pario-ai/mathgate/pkg/config"
	"github.com/pario-ai/mathgate/pkg/models"
)

// OutcomePolicy decides whether a lightweight attempt counts as a success for
// the breaker. err is the executor error, if any; d is the zero decision
// when err is set.
type OutcomePolicy func(d models.RoutingDecision, err error) bool

// ErrorsOnly counts only executor errors as failures.
func ErrorsOnly(_ models.RoutingDecision, err error) bool {
	return err == nil
}

// LowConfidence also counts a rejected lightweight result as a failure.
func LowConfidence(d models.RoutingDecision, err error) bool {
	return err == nil && d.UseLightweight
}

// ParsePolicy maps a configured policy name to an OutcomePolicy.
func ParsePolicy(name string) (OutcomePolicy, error) {
	switch name {
	case "", config.PolicyLowConfidence:
		return LowConfidence, nil
	case config.PolicyErrorsOnly:
		return ErrorsOnly, nil
	default:
		return nil, fmt.Errorf("unknown failure policy %q", name)
	}
}
