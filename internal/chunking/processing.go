package chunking

import (
	"context"

	"github.com/pcollings/chunkrelay/pkg/types"
)

// ProcessingStep is one post-upload step run in sequence after the
// final chunk arrives, before the object is committed. Each completed
// step is recorded in the session metadata; a failing step leaves the
// session in ERROR and is never retried automatically.
type ProcessingStep interface {
	Name() string
	Run(ctx context.Context, session *types.UploadSession) error
}

// StepFunc adapts a function to the ProcessingStep interface
type StepFunc struct {
	StepName string
	Fn       func(ctx context.Context, session *types.UploadSession) error
}

func (s StepFunc) Name() string { return s.StepName }

func (s StepFunc) Run(ctx context.Context, session *types.UploadSession) error {
	return s.Fn(ctx, session)
}

// RegisterProcessingStep appends a step to run for sessions of the
// given category. Steps run in registration order.
func (s *Service) RegisterProcessingStep(category string, step ProcessingStep) {
	s.stepsMu.Lock()
	defer s.stepsMu.Unlock()
	s.steps[category] = append(s.steps[category], step)
}

func (s *Service) stepsFor(category string) []ProcessingStep {
	s.stepsMu.RLock()
	defer s.stepsMu.RUnlock()
	return s.steps[category]
}

func recordStep(session *types.UploadSession, name string) {
	if session.Metadata == nil {
		session.Metadata = types.JSONMap{}
	}
	steps, _ := session.Metadata["processingSteps"].([]interface{})
	session.Metadata["processingSteps"] = append(steps, name)
}

// stepRecorded reports whether a step already ran for this session. The
// recorded list survives the DB round trip as []interface{} of strings.
func stepRecorded(session *types.UploadSession, name string) bool {
	if session.Metadata == nil {
		return false
	}
	steps, _ := session.Metadata["processingSteps"].([]interface{})
	for _, step := range steps {
		if step == name {
			return true
		}
	}
	return false
}
