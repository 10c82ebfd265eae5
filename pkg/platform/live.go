package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"instream-live-server/pkg/broadcast"
	"instream-live-server/pkg/publish"
)

var (
	ErrNotStarted     = errors.New("broadcast not started")
	ErrAlreadyStarted = errors.New("broadcast already started")
	ErrAlreadyStopped = errors.New("broadcast already stopped")
)

type liveState int

const (
	stateIdle liveState = iota
	stateRunning
	stateEnded
	stateStopped
)

// live is one broadcast owned by an operator session.
type live struct {
	client *Client
	creds  broadcast.Credentials
	user   *broadcast.User
	logger logrus.FieldLogger

	mu          sync.Mutex
	state       liveState
	broadcastID string
	startedAt   time.Time
	cancel      context.CancelFunc
	done        chan struct{}
	// exited is set once publish has decided whether to end the broadcast;
	// endOnExit asks it to end it regardless of state.
	exited    bool
	endOnExit bool
}

func newLive(c *Client, creds broadcast.Credentials) *live {
	return &live{
		client: c,
		creds:  creds,
		logger: c.Logger,
		done:   make(chan struct{}),
	}
}

func (l *live) User() *broadcast.User { return l.user }

func (l *live) BroadcastID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broadcastID
}

func (l *live) StartedAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.startedAt
}

// Done is closed once publishing has ended, on its own or through Stop.
func (l *live) Done() <-chan struct{} { return l.done }

type createResponse struct {
	BroadcastID json.Number `json:"broadcast_id"`
	UploadURL   string      `json:"upload_url"`
}

// Start creates the broadcast, begins pushing the video to its ingest and
// announces it. It reports false when the platform accepted the request but
// did not go live.
func (l *live) Start(ctx context.Context, params broadcast.StartParams) (bool, error) {
	if l.user == nil {
		return false, &Error{Kind: KindAuth, Op: "start", Message: "not logged in"}
	}
	l.mu.Lock()
	if l.state != stateIdle {
		l.mu.Unlock()
		return false, ErrAlreadyStarted
	}
	l.state = stateRunning
	l.mu.Unlock()

	id, uploadURL, err := l.create(ctx, params.Title)
	if err != nil {
		l.reset()
		return false, err
	}
	if id == "" || uploadURL == "" {
		l.reset()
		return false, nil
	}

	pubCtx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.broadcastID = id
	l.startedAt = time.Now()
	l.cancel = cancel
	l.mu.Unlock()

	log := l.logger.WithFields(logrus.Fields{"broadcast_id": id, "user": l.user.Username})
	go l.publish(pubCtx, publish.Job{Source: params.VideoPath, Target: uploadURL, Duration: params.Duration()}, log)

	if !l.client.DryRun {
		if err := l.client.call(ctx, l.creds, http.MethodPost, endpoint("/api/v1/live/%s/start/", id), url.Values{"should_send_notifications": {"1"}}, nil); err != nil {
			l.mu.Lock()
			l.state = stateStopped
			l.mu.Unlock()
			cancel()
			<-l.done
			l.end(id, log)
			return false, err
		}
	}
	log.WithField("duration", params.Duration()).Info("broadcast started")
	return true, nil
}

func (l *live) create(ctx context.Context, title string) (string, string, error) {
	if l.client.DryRun {
		return "dryrun-" + strconv.FormatInt(time.Now().UnixNano(), 10), "rtmp://dry-run.invalid/rtmp/dry-run", nil
	}
	form := url.Values{
		"preview_width":     {"720"},
		"preview_height":    {"1280"},
		"broadcast_message": {title},
		"broadcast_type":    {"RTMP"},
		"internal_only":     {"0"},
	}
	var resp createResponse
	if err := l.client.call(ctx, l.creds, http.MethodPost, "/api/v1/live/create/", form, &resp); err != nil {
		return "", "", err
	}
	return resp.BroadcastID.String(), resp.UploadURL, nil
}

// publish runs the publisher until it returns, then ends the broadcast unless
// Stop is already doing so.
func (l *live) publish(ctx context.Context, job publish.Job, log logrus.FieldLogger) {
	var err error
	if l.client.DryRun || l.client.Publisher == nil {
		err = waitFor(ctx, job.Duration)
	} else {
		err = l.client.Publisher.Publish(ctx, job)
	}
	if err != nil {
		log.WithError(err).Warn("publishing failed")
	}

	l.mu.Lock()
	natural := l.state == stateRunning
	if natural {
		l.state = stateEnded
	}
	endNow := natural || l.endOnExit
	l.exited = true
	id := l.broadcastID
	l.mu.Unlock()

	if endNow {
		l.end(id, log)
	}
	close(l.done)
}

// Stop halts publishing and ends the broadcast on the platform. If ctx
// expires before the publisher exits, the broadcast is still ended in the
// background. Calling it again returns ErrAlreadyStopped.
func (l *live) Stop(ctx context.Context) error {
	l.mu.Lock()
	switch l.state {
	case stateIdle:
		l.mu.Unlock()
		return ErrNotStarted
	case stateStopped:
		l.mu.Unlock()
		return ErrAlreadyStopped
	}
	wasRunning := l.state == stateRunning
	l.state = stateStopped
	cancel := l.cancel
	id := l.broadcastID
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	select {
	case <-l.done:
	case <-ctx.Done():
		if wasRunning {
			l.endAfterExit(id)
		}
		return ctx.Err()
	}
	if !wasRunning || l.client.DryRun {
		return nil
	}
	err := l.client.call(ctx, l.creds, http.MethodPost, endpoint("/api/v1/live/%s/end_broadcast/", id), url.Values{"end_after_copyright_warning": {"false"}}, nil)
	if err != nil {
		return fmt.Errorf("end broadcast: %w", err)
	}
	l.logger.WithField("broadcast_id", id).Info("broadcast stopped")
	return nil
}

// endAfterExit is used when Stop stops waiting for the publisher: the
// broadcast is ended once publishing winds down, or right away if it already
// has.
func (l *live) endAfterExit(id string) {
	log := l.logger.WithField("broadcast_id", id)
	l.mu.Lock()
	exited := l.exited
	if !exited {
		l.endOnExit = true
	}
	l.mu.Unlock()
	if exited {
		go l.end(id, log)
		return
	}
	log.Warn("publisher still winding down; broadcast ends when it exits")
}

func (l *live) end(id string, log logrus.FieldLogger) {
	if l.client.DryRun || id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.client.endTimeout())
	defer cancel()
	if err := l.client.call(ctx, l.creds, http.MethodPost, endpoint("/api/v1/live/%s/end_broadcast/", id), nil, nil); err != nil {
		log.WithError(err).Warn("end broadcast failed")
		return
	}
	log.Info("broadcast ended")
}

func (l *live) reset() {
	l.mu.Lock()
	l.state = stateIdle
	l.mu.Unlock()
}

type infoResponse struct {
	ViewerCount float64 `json:"viewer_count"`
}

type commentsResponse struct {
	CommentCount int `json:"comment_count"`
	Comments     []struct {
		Text      string `json:"text"`
		CreatedAt int64  `json:"created_at"`
		User      struct {
			Username string `json:"username"`
		} `json:"user"`
	} `json:"comments"`
}

func (l *live) Info(ctx context.Context) (*broadcast.Info, error) {
	id := l.BroadcastID()
	if id == "" {
		return nil, nil
	}
	info := &broadcast.Info{BroadcastID: id, Comments: []broadcast.Comment{}}
	if l.client.DryRun {
		return info, nil
	}

	var ir infoResponse
	if err := l.client.call(ctx, l.creds, http.MethodGet, endpoint("/api/v1/live/%s/info/", id), nil, &ir); err != nil {
		return nil, err
	}
	info.ViewerCount = int(ir.ViewerCount)

	var cr commentsResponse
	if err := l.client.call(ctx, l.creds, http.MethodGet, endpoint("/api/v1/live/%s/get_comment/", id), nil, &cr); err != nil {
		return nil, err
	}
	for _, c := range cr.Comments {
		user := c.User.Username
		if user == "" {
			user = "unknown"
		}
		var at string
		if c.CreatedAt > 0 {
			at = time.Unix(c.CreatedAt, 0).Format("15:04:05")
		}
		info.Comments = append(info.Comments, broadcast.Comment{User: user, Text: c.Text, Time: at})
	}
	info.CommentCount = cr.CommentCount
	if info.CommentCount == 0 {
		info.CommentCount = len(info.Comments)
	}
	return info, nil
}

func (l *live) Comment(ctx context.Context, text string) (bool, error) {
	id := l.BroadcastID()
	if id == "" {
		return false, ErrNotStarted
	}
	if l.client.DryRun {
		return true, nil
	}
	var resp struct {
		Comment struct {
			PK json.Number `json:"pk"`
		} `json:"comment"`
	}
	form := url.Values{"comment_text": {text}, "idempotence_token": {strconv.FormatInt(time.Now().UnixNano(), 36)}}
	if err := l.client.call(ctx, l.creds, http.MethodPost, endpoint("/api/v1/live/%s/comment/", id), form, &resp); err != nil {
		if IsRejected(err) {
			l.logger.WithError(err).WithField("broadcast_id", id).Info("comment refused")
			return false, nil
		}
		return false, err
	}
	return resp.Comment.PK != "", nil
}

func (c *Client) endTimeout() time.Duration {
	if c.EndTimeout > 0 {
		return c.EndTimeout
	}
	return 15 * time.Second
}

func waitFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		<-ctx.Done()
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	return nil
}
