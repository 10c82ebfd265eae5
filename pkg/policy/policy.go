// Package policy decides whether a probed video may be broadcast.
package policy

import (
	"fmt"

	"instream-live-server/pkg/config"
	"instream-live-server/pkg/inspect"
)

type Decision int

const (
	DecisionAccept Decision = iota
	DecisionReject
	DecisionDegraded
)

func (d Decision) String() string {
	switch d {
	case DecisionAccept:
		return "accept"
	case DecisionReject:
		return "reject"
	case DecisionDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

const (
	ReasonCodecUnsupported = "CODEC_UNSUPPORTED"
	ReasonResolutionTooBig = "RESOLUTION_TOO_LARGE"
	ReasonNoKeyframe       = "NO_KEYFRAME"
	ReasonAudioUnsupported = "AUDIO_UNSUPPORTED"
	ReasonAudioMissing     = "AUDIO_MISSING"
	ReasonNotProbed        = "NOT_PROBED"
)

type Result struct {
	Decision Decision
	Reason   string
	Message  string
}

func (r Result) Rejected() bool {
	return r.Decision == DecisionReject
}

type Policy struct {
	Config config.PolicyConfig
}

func New(cfg config.PolicyConfig) *Policy {
	return &Policy{Config: cfg}
}

// Evaluate checks a probe result. Containers the prober cannot parse are
// passed through as degraded and left to the transcoding publisher.
func (p *Policy) Evaluate(result inspect.Result) Result {
	if !result.Known() {
		return Result{Decision: DecisionDegraded, Reason: ReasonNotProbed, Message: fmt.Sprintf("%s files are not inspected", result.Container)}
	}
	if result.VideoCodec == "" {
		return Result{Decision: DecisionReject, Reason: ReasonCodecUnsupported, Message: "no video track"}
	}
	if p.Config.RejectIfVideoNotH264 && result.VideoCodec != "H264" {
		return Result{Decision: DecisionReject, Reason: ReasonCodecUnsupported, Message: "video codec not supported"}
	}
	if result.Width > 0 && result.Height > 0 && p.Config.MaxWidth > 0 && p.Config.MaxHeight > 0 {
		if result.Width > p.Config.MaxWidth || result.Height > p.Config.MaxHeight {
			return Result{Decision: DecisionReject, Reason: ReasonResolutionTooBig, Message: fmt.Sprintf("resolution %dx%d too large", result.Width, result.Height)}
		}
	}
	if result.Container == "flv" && !result.KeyframeReceived {
		return Result{Decision: DecisionReject, Reason: ReasonNoKeyframe, Message: "no keyframe in file"}
	}
	if result.AudioCodec == "" && !p.Config.AllowNoAudio {
		return Result{Decision: DecisionReject, Reason: ReasonAudioMissing, Message: "audio required"}
	}
	if p.Config.RejectIfAudioNotAAC && result.AudioCodec != "" && result.AudioCodec != "AAC" {
		return Result{Decision: DecisionReject, Reason: ReasonAudioUnsupported, Message: "audio codec not supported"}
	}
	return Result{Decision: DecisionAccept}
}
