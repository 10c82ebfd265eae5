package publish

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// stderrLimit caps how much ffmpeg output is kept for error reports.
const stderrLimit = 4096

// FFmpegPublisher transcodes any container ffmpeg reads into H264/AAC FLV and
// pushes it to the ingest.
type FFmpegPublisher struct {
	Path   string
	Logger logrus.FieldLogger
}

func NewFFmpegPublisher(path string, logger logrus.FieldLogger) *FFmpegPublisher {
	if path == "" {
		path = "ffmpeg"
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &FFmpegPublisher{Path: path, Logger: logger}
}

func (p *FFmpegPublisher) Publish(ctx context.Context, job Job) error {
	if job.Source == "" || job.Target == "" {
		return fmt.Errorf("ffmpeg job incomplete")
	}
	args := Args(job)
	cmd := exec.CommandContext(ctx, p.Path, args...)
	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stderr = stderr

	log := p.Logger.WithFields(logrus.Fields{"ingest": redactTarget(job.Target), "duration": job.Duration})
	log.Info("ffmpeg publish started")
	err := cmd.Run()
	if ctx.Err() != nil {
		log.Info("ffmpeg publish cancelled")
		return nil
	}
	if err != nil {
		return fmt.Errorf("ffmpeg failed: %w output=%s", err, strings.TrimSpace(stderr.String()))
	}
	log.Info("ffmpeg publish finished")
	return nil
}

// Args builds the ffmpeg command line for a job.
func Args(job Job) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-re",
		"-stream_loop", "-1",
		"-i", job.Source,
	}
	if job.Duration > 0 {
		args = append(args, "-t", strconv.FormatFloat(job.Duration.Seconds(), 'f', -1, 64))
	}
	args = append(args,
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-g", "60",
		"-b:v", "2500k",
		"-maxrate", "2500k",
		"-bufsize", "5000k",
		"-c:a", "aac",
		"-b:a", "128k",
		"-ar", "44100",
		"-f", "flv",
		job.Target,
	)
	return args
}

type tailBuffer struct {
	limit int
	buf   bytes.Buffer
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return n, nil
}

func (b *tailBuffer) String() string {
	return b.buf.String()
}
