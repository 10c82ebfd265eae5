package publish

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yutopp/go-flv"
	flvtag "github.com/yutopp/go-flv/tag"
)

func TestParseTarget(t *testing.T) {
	target, err := ParseTarget("rtmps://live-upload.example.com/rtmp/17912345?s_bl=1&a=xyz")
	require.NoError(t, err)
	assert.Equal(t, "rtmps", target.Scheme)
	assert.Equal(t, "live-upload.example.com:443", target.Host)
	assert.Equal(t, "rtmp", target.App)
	assert.Equal(t, "17912345?s_bl=1&a=xyz", target.StreamName)
	assert.Equal(t, "rtmps://live-upload.example.com:443/rtmp", target.TCURL())

	target, err = ParseTarget("rtmp://127.0.0.1:19350/live/key")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:19350", target.Host)
	assert.Equal(t, "key", target.StreamName)

	for _, raw := range []string{"http://example.com/live/key", "rtmp://example.com/live", "rtmp://example.com/live/", "::"} {
		_, err := ParseTarget(raw)
		assert.ErrorIs(t, err, ErrUnsupportedTarget, raw)
	}
}

type recordingPublisher struct {
	jobs []Job
}

func (p *recordingPublisher) Publish(_ context.Context, job Job) error {
	p.jobs = append(p.jobs, job)
	return nil
}

func TestSelectorRoutesJobs(t *testing.T) {
	native, ff := &recordingPublisher{}, &recordingPublisher{}
	s := &Selector{Native: native, FFmpeg: ff}
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, Job{Source: "clip.FLV", Target: "rtmp://h/live/k"}))
	require.NoError(t, s.Publish(ctx, Job{Source: "clip.flv", Target: "rtmps://h/live/k"}))
	require.NoError(t, s.Publish(ctx, Job{Source: "clip.mp4", Target: "rtmp://h/live/k"}))
	assert.Len(t, native.jobs, 1)
	assert.Len(t, ff.jobs, 2)

	err := s.Publish(ctx, Job{Source: "clip.mp4", Target: "srt://h/live/k"})
	assert.ErrorIs(t, err, ErrUnsupportedTarget)

	nativeOnly := &Selector{Native: native}
	err = nativeOnly.Publish(ctx, Job{Source: "clip.mp4", Target: "rtmp://h/live/k"})
	assert.ErrorIs(t, err, ErrUnsupportedTarget)
}

func TestArgs(t *testing.T) {
	args := Args(Job{Source: "/videos/a.mp4", Target: "rtmps://h/rtmp/key", Duration: 90 * time.Minute})

	assert.Equal(t, []string{"-re", "-stream_loop", "-1", "-i", "/videos/a.mp4", "-t", "5400"}, args[3:10])
	assert.Equal(t, "rtmps://h/rtmp/key", args[len(args)-1])
	assert.Equal(t, "flv", args[len(args)-2])

	args = Args(Job{Source: "a.mp4", Target: "rtmp://h/live/k"})
	assert.NotContains(t, args, "-t")
}

func TestFFmpegPublisherMissingBinary(t *testing.T) {
	logger, _ := test.NewNullLogger()
	p := NewFFmpegPublisher(filepath.Join(t.TempDir(), "no-ffmpeg"), logger)

	err := p.Publish(context.Background(), Job{Source: "a.mp4", Target: "rtmp://h/live/k"})
	assert.Error(t, err)
	assert.Error(t, p.Publish(context.Background(), Job{}))
}

func TestTailBufferKeepsEnd(t *testing.T) {
	b := &tailBuffer{limit: 4}
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("defg"))
	assert.Equal(t, "defg", b.String())
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.now = c.now.Add(d)
	return nil
}

func writeFLV(t *testing.T, timestamps ...uint32) string {
	t.Helper()
	var buf bytes.Buffer
	enc, err := flv.NewEncoder(&buf, flv.FlagsVideo)
	require.NoError(t, err)
	for _, ts := range timestamps {
		require.NoError(t, enc.Encode(&flvtag.FlvTag{
			TagType:   flvtag.TagTypeVideo,
			Timestamp: ts,
			Data: &flvtag.VideoData{
				FrameType:     flvtag.FrameTypeKeyFrame,
				CodecID:       flvtag.CodecIDAVC,
				AVCPacketType: flvtag.AVCPacketTypeNALU,
				Data:          bytes.NewReader([]byte{0, 0, 0, 1, 0x65}),
			},
		}))
	}
	path := filepath.Join(t.TempDir(), "loop.flv")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestRTMPLoopRepeatsUntilDuration(t *testing.T) {
	logger, _ := test.NewNullLogger()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := NewRTMPPublisher(4096, logger)
	p.now = clock.Now
	p.sleep = clock.Sleep

	var written []uint32
	job := Job{Source: writeFLV(t, 0, 500, 1000), Duration: 2500 * time.Millisecond}
	err := p.loop(context.Background(), job, func(ts uint32, video bool, payload *bytes.Buffer) error {
		assert.True(t, video)
		assert.NotZero(t, payload.Len())
		written = append(written, ts)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 500, 1000, 1040, 1540, 2040, 2080}, written)
}

func TestRTMPLoopStopsOnCancel(t *testing.T) {
	logger, _ := test.NewNullLogger()
	p := NewRTMPPublisher(4096, logger)
	ctx, cancel := context.WithCancel(context.Background())

	count := 0
	err := p.loop(ctx, Job{Source: writeFLV(t, 0, 10, 20)}, func(uint32, bool, *bytes.Buffer) error {
		count++
		if count == 5 {
			cancel()
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestRTMPLoopEmptySource(t *testing.T) {
	logger, _ := test.NewNullLogger()
	p := NewRTMPPublisher(4096, logger)

	err := p.loop(context.Background(), Job{Source: writeFLV(t), Duration: time.Second}, func(uint32, bool, *bytes.Buffer) error {
		return nil
	})
	assert.ErrorIs(t, err, errEmptySource)
}

// silentIngest accepts connections and never answers the handshake.
func silentIngest(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var conns []net.Conn
	accepted := make(chan struct{})
	go func() {
		defer close(accepted)
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			conns = append(conns, c)
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		<-accepted
		for _, c := range conns {
			c.Close()
		}
	})
	return ln.Addr().String()
}

func TestRTMPPublishCancelDuringHandshake(t *testing.T) {
	logger, _ := test.NewNullLogger()
	p := NewRTMPPublisher(4096, logger)
	addr := silentIngest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := p.Publish(ctx, Job{Source: writeFLV(t, 0, 10), Target: "rtmp://" + addr + "/live/key"})

	assert.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
