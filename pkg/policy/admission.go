package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"instream-live-server/pkg/inspect"
)

// RejectedError carries the policy verdict for a refused file.
type RejectedError struct {
	Result Result
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Result.Reason, e.Result.Message)
}

// Admission probes a file and applies the policy to it before a broadcast is
// started.
type Admission struct {
	Policy *Policy
	Logger logrus.FieldLogger

	probe func(ctx context.Context, path string) (inspect.Result, error)
}

func NewAdmission(p *Policy, logger logrus.FieldLogger) *Admission {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Admission{Policy: p, Logger: logger, probe: inspect.ProbeFile}
}

func (a *Admission) Admit(ctx context.Context, path string) error {
	result, err := a.probe(ctx, path)
	if err != nil {
		if errors.Is(err, inspect.ErrUnreadable) {
			return &RejectedError{Result: Result{Decision: DecisionReject, Reason: ReasonCodecUnsupported, Message: "file could not be parsed"}}
		}
		return fmt.Errorf("probe video: %w", err)
	}
	verdict := a.Policy.Evaluate(result)
	log := a.Logger.WithFields(logrus.Fields{
		"container": result.Container,
		"video":     result.VideoCodec,
		"audio":     result.AudioCodec,
		"width":     result.Width,
		"height":    result.Height,
		"decision":  verdict.Decision.String(),
	})
	if verdict.Rejected() {
		log.WithField("reason", verdict.Reason).Warn("video refused by policy")
		return &RejectedError{Result: verdict}
	}
	log.Debug("video admitted")
	return nil
}
