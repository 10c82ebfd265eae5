// Package inspect probes uploaded video files so unsupported media is rejected
// before a broadcast is created on the platform.
package inspect

import (
	"time"

	"github.com/Eyevinn/mp4ff/avc"
)

type Result struct {
	Container        string        `json:"container"`
	VideoCodec       string        `json:"video_codec"`
	AudioCodec       string        `json:"audio_codec"`
	Width            int           `json:"width"`
	Height           int           `json:"height"`
	VideoFPS         float64       `json:"video_fps"`
	Profile          uint32        `json:"profile"`
	Level            uint32        `json:"level"`
	SampleRate       int           `json:"sample_rate"`
	Channels         int           `json:"channels"`
	GOPSeconds       float64       `json:"gop_seconds"`
	KeyframeReceived bool          `json:"keyframe_received"`
	Duration         time.Duration `json:"duration"`
	Bitrate          int64         `json:"bitrate"`
}

// Known reports whether the container was parsed; otherwise only the
// container name is filled in and codec fields are empty.
func (r Result) Known() bool {
	return r.VideoCodec != "" || r.AudioCodec != ""
}

// Inspector accumulates codec configuration and sample timing into a Result.
type Inspector struct {
	result Result

	keyframesSeen  int
	lastKeyframeTS int64
	videoFrames    int
	videoFirstTS   int64
	videoLastTS    int64
	lastTS         int64
	totalBytes     int64
}

func New(container string) *Inspector {
	return &Inspector{result: Result{Container: container}}
}

func (i *Inspector) OnVideoConfig(cfg AVCConfig) {
	i.result.VideoCodec = "H264"
	if len(cfg.SPS) == 0 {
		return
	}
	parsed, err := avc.ParseSPSNALUnit(cfg.SPS[0], true)
	if err != nil {
		return
	}
	i.result.Width = int(parsed.Width)
	i.result.Height = int(parsed.Height)
	i.result.Profile = parsed.Profile
	i.result.Level = parsed.Level
	if parsed.VUI != nil && parsed.VUI.TimingInfoPresentFlag && parsed.VUI.NumUnitsInTick > 0 {
		fps := float64(parsed.VUI.TimeScale) / (2.0 * float64(parsed.VUI.NumUnitsInTick))
		if fps > 0 && i.result.VideoFPS == 0 {
			i.result.VideoFPS = fps
		}
	}
}

// SetVideoCodec records a video codec the inspector cannot parse further.
func (i *Inspector) SetVideoCodec(name string, width, height int) {
	i.result.VideoCodec = name
	if i.result.Width == 0 {
		i.result.Width = width
		i.result.Height = height
	}
}

func (i *Inspector) OnAudioConfig(cfg AACConfig) {
	i.result.AudioCodec = "AAC"
	i.result.SampleRate = cfg.SampleRate
	i.result.Channels = cfg.Channels
}

func (i *Inspector) SetAudioCodec(name string, sampleRate, channels int) {
	i.result.AudioCodec = name
	i.result.SampleRate = sampleRate
	i.result.Channels = channels
}

func (i *Inspector) OnVideoSample(tsMS int64, size int, isKey bool) {
	i.observe(tsMS, size)
	if i.videoFrames == 0 {
		i.videoFirstTS = tsMS
	}
	i.videoLastTS = tsMS
	i.videoFrames++

	if isKey {
		i.result.KeyframeReceived = true
		if i.keyframesSeen > 0 {
			i.result.GOPSeconds = float64(tsMS-i.lastKeyframeTS) / 1000.0
		}
		i.lastKeyframeTS = tsMS
		i.keyframesSeen++
	}
}

func (i *Inspector) OnAudioSample(tsMS int64, size int) {
	i.observe(tsMS, size)
}

func (i *Inspector) SetVideoFPS(value float64) {
	if value > 0 && i.result.VideoFPS == 0 {
		i.result.VideoFPS = value
	}
}

func (i *Inspector) SetDuration(d time.Duration) {
	if d > 0 {
		i.result.Duration = d
	}
}

func (i *Inspector) Result() Result {
	res := i.result
	if res.VideoFPS == 0 {
		res.VideoFPS = i.estimateFPS()
	}
	if res.Duration == 0 && i.lastTS > 0 {
		res.Duration = time.Duration(i.lastTS) * time.Millisecond
	}
	if res.Bitrate == 0 && res.Duration > 0 && i.totalBytes > 0 {
		res.Bitrate = int64(float64(i.totalBytes*8) / res.Duration.Seconds())
	}
	return res
}

func (i *Inspector) observe(tsMS int64, size int) {
	if tsMS > i.lastTS {
		i.lastTS = tsMS
	}
	i.totalBytes += int64(size)
}

func (i *Inspector) estimateFPS() float64 {
	if i.videoFrames < 2 || i.videoLastTS <= i.videoFirstTS {
		return 0
	}
	durationSec := float64(i.videoLastTS-i.videoFirstTS) / 1000.0
	return float64(i.videoFrames-1) / durationSec
}
