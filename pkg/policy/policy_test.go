package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"instream-live-server/pkg/config"
	"instream-live-server/pkg/inspect"
)

func TestEvaluate(t *testing.T) {
	good := inspect.Result{
		Container:        "flv",
		VideoCodec:       "H264",
		AudioCodec:       "AAC",
		Width:            1280,
		Height:           720,
		KeyframeReceived: true,
	}

	tests := []struct {
		name     string
		mutate   func(cfg *config.PolicyConfig, r *inspect.Result)
		decision Decision
		reason   string
	}{
		{name: "accepts h264 aac", mutate: func(*config.PolicyConfig, *inspect.Result) {}, decision: DecisionAccept},
		{
			name:     "unknown container degraded",
			mutate:   func(_ *config.PolicyConfig, r *inspect.Result) { *r = inspect.Result{Container: "mkv"} },
			decision: DecisionDegraded,
			reason:   ReasonNotProbed,
		},
		{
			name:     "audio only rejected",
			mutate:   func(_ *config.PolicyConfig, r *inspect.Result) { r.VideoCodec = "" },
			decision: DecisionReject,
			reason:   ReasonCodecUnsupported,
		},
		{
			name: "hevc rejected when h264 required",
			mutate: func(cfg *config.PolicyConfig, r *inspect.Result) {
				cfg.RejectIfVideoNotH264 = true
				r.VideoCodec = "HEVC"
			},
			decision: DecisionReject,
			reason:   ReasonCodecUnsupported,
		},
		{
			name:     "hevc accepted by default",
			mutate:   func(_ *config.PolicyConfig, r *inspect.Result) { r.VideoCodec = "HEVC" },
			decision: DecisionAccept,
		},
		{
			name:     "oversized",
			mutate:   func(_ *config.PolicyConfig, r *inspect.Result) { r.Width, r.Height = 3840, 2160 },
			decision: DecisionReject,
			reason:   ReasonResolutionTooBig,
		},
		{
			name:     "flv without keyframe",
			mutate:   func(_ *config.PolicyConfig, r *inspect.Result) { r.KeyframeReceived = false },
			decision: DecisionReject,
			reason:   ReasonNoKeyframe,
		},
		{
			name:     "mp4 keyframes not required",
			mutate:   func(_ *config.PolicyConfig, r *inspect.Result) { r.Container, r.KeyframeReceived = "mp4", false },
			decision: DecisionAccept,
		},
		{
			name: "missing audio rejected when required",
			mutate: func(cfg *config.PolicyConfig, r *inspect.Result) {
				cfg.AllowNoAudio = false
				r.AudioCodec = ""
			},
			decision: DecisionReject,
			reason:   ReasonAudioMissing,
		},
		{
			name: "mp3 rejected when aac required",
			mutate: func(cfg *config.PolicyConfig, r *inspect.Result) {
				cfg.RejectIfAudioNotAAC = true
				r.AudioCodec = "MP3"
			},
			decision: DecisionReject,
			reason:   ReasonAudioUnsupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig().Policy
			res := good
			tt.mutate(&cfg, &res)

			got := New(cfg).Evaluate(res)
			assert.Equal(t, tt.decision, got.Decision)
			assert.Equal(t, tt.reason, got.Reason)
			assert.Equal(t, tt.decision == DecisionReject, got.Rejected())
		})
	}
}
