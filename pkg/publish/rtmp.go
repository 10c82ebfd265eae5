package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yutopp/go-flv"
	flvtag "github.com/yutopp/go-flv/tag"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
)

const (
	audioChunkStreamID = 4
	videoChunkStreamID = 6

	// loopGapMS separates the last tag of one pass from the first of the next.
	loopGapMS = 40

	dialTimeout = 10 * time.Second
)

var errEmptySource = errors.New("flv source has no media tags")

// RTMPPublisher streams FLV files over a native go-rtmp client connection,
// pacing tags by their timestamps.
type RTMPPublisher struct {
	ChunkSize uint32
	Logger    *logrus.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewRTMPPublisher(chunkSize uint32, logger *logrus.Logger) *RTMPPublisher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RTMPPublisher{
		ChunkSize: chunkSize,
		Logger:    logger,
		now:       time.Now,
		sleep:     sleepContext,
	}
}

func (p *RTMPPublisher) Publish(ctx context.Context, job Job) error {
	target, err := ParseTarget(job.Target)
	if err != nil {
		return err
	}
	if target.Scheme != "rtmp" {
		return fmt.Errorf("%w: native publisher needs rtmp", ErrUnsupportedTarget)
	}

	client, err := p.dial(ctx, target.Host)
	if err != nil {
		if ctx.Err() != nil {
			p.Logger.WithField("ingest", target.TCURL()).Info("rtmp publish cancelled while dialing")
			return nil
		}
		return fmt.Errorf("rtmp dial: %w", err)
	}
	defer client.Close()

	// Unblock network writes when the job is cancelled mid-write.
	stopWatch := context.AfterFunc(ctx, func() { client.Close() })
	defer stopWatch()

	connect := &rtmpmsg.NetConnectionConnect{
		Command: rtmpmsg.NetConnectionConnectCommand{
			App:      target.App,
			Type:     "nonprivate",
			FlashVer: "FMLE/3.0 (compatible; instream)",
			TCURL:    target.TCURL(),
		},
	}
	if err := client.Connect(connect); err != nil {
		return fmt.Errorf("rtmp connect: %w", err)
	}
	stream, err := client.CreateStream(nil, p.ChunkSize)
	if err != nil {
		return fmt.Errorf("rtmp create stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Publish(&rtmpmsg.NetStreamPublish{
		PublishingName: target.StreamName,
		PublishingType: "live",
	}); err != nil {
		return fmt.Errorf("rtmp publish: %w", err)
	}

	log := p.Logger.WithFields(logrus.Fields{"ingest": target.TCURL(), "duration": job.Duration})
	log.Info("rtmp publish started")
	err = p.loop(ctx, job, func(ts uint32, video bool, payload *bytes.Buffer) error {
		if video {
			return stream.Write(videoChunkStreamID, ts, &rtmpmsg.VideoMessage{Payload: payload})
		}
		return stream.Write(audioChunkStreamID, ts, &rtmpmsg.AudioMessage{Payload: payload})
	})
	if ctx.Err() != nil {
		log.Info("rtmp publish cancelled")
		return nil
	}
	if err != nil {
		return err
	}
	log.Info("rtmp publish finished")
	return nil
}

// dial connects and handshakes with the ingest, giving up when ctx ends. The
// handshake has no deadline of its own, so an abandoned dial is closed once it
// returns.
func (p *RTMPPublisher) dial(ctx context.Context, host string) (*rtmp.ClientConn, error) {
	type result struct {
		conn *rtmp.ClientConn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := rtmp.DialWithDialer(&net.Dialer{Timeout: dialTimeout}, "rtmp", host, &rtmp.ConnConfig{Logger: p.Logger})
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

type writeFunc func(ts uint32, video bool, payload *bytes.Buffer) error

// loop replays the source until the job duration has elapsed. Timestamps keep
// increasing across passes.
func (p *RTMPPublisher) loop(ctx context.Context, job Job, write writeFunc) error {
	start := p.now()
	var offset uint32
	for {
		last, err := p.pass(ctx, job, start, offset, write)
		if err != nil {
			return err
		}
		if ctx.Err() != nil || p.expired(job, start) {
			return nil
		}
		offset = last + loopGapMS
	}
}

func (p *RTMPPublisher) expired(job Job, start time.Time) bool {
	return job.Duration > 0 && p.now().Sub(start) >= job.Duration
}

// pass writes one copy of the file and returns the last timestamp written.
func (p *RTMPPublisher) pass(ctx context.Context, job Job, start time.Time, offset uint32, write writeFunc) (uint32, error) {
	f, err := os.Open(job.Source)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec, err := flv.NewDecoder(f)
	if err != nil {
		return 0, fmt.Errorf("flv header: %w", err)
	}

	last := offset
	wrote := false
	for {
		if ctx.Err() != nil || p.expired(job, start) {
			return last, nil
		}
		var tag flvtag.FlvTag
		if err := dec.Decode(&tag); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return last, fmt.Errorf("flv decode: %w", err)
		}
		ts := tag.Timestamp + offset
		payload := new(bytes.Buffer)
		var video bool
		switch data := tag.Data.(type) {
		case *flvtag.AudioData:
			err = flvtag.EncodeAudioData(payload, data)
		case *flvtag.VideoData:
			video = true
			err = flvtag.EncodeVideoData(payload, data)
		default:
			tag.Close()
			continue
		}
		tag.Close()
		if err != nil {
			return last, err
		}

		due := start.Add(time.Duration(ts) * time.Millisecond)
		if wait := due.Sub(p.now()); wait > 0 {
			if err := p.sleep(ctx, wait); err != nil {
				return last, nil
			}
			if p.expired(job, start) {
				return last, nil
			}
		}
		if err := write(ts, video, payload); err != nil {
			return last, fmt.Errorf("rtmp write: %w", err)
		}
		last = ts
		wrote = true
	}
	if !wrote {
		return last, errEmptySource
	}
	return last, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
