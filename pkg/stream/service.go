// Package stream implements the operator-facing broadcast lifecycle: start a
// broadcast, then stop it, read its info or comment on it, keyed by the
// session key handed out at start.
package stream

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"instream-live-server/pkg/broadcast"
	"instream-live-server/pkg/config"
	"instream-live-server/pkg/registry"
	"instream-live-server/pkg/validate"
)

const genericFailure = "An unexpected error occurred. Please try again."

// Admission vets a video file before any platform call is made.
type Admission interface {
	Admit(ctx context.Context, path string) error
}

// Observer receives per-operation outcomes, labelled by error kind or "ok".
type Observer interface {
	ObserveOperation(op, outcome string, elapsed time.Duration)
}

type StartRequest struct {
	// Owner identifies the caller across requests. Concurrent starts by the
	// same owner are refused.
	Owner string
	// CurrentKey is the caller's existing session key, if any.
	CurrentKey  string
	Credentials broadcast.Credentials
	VideoPath   string
	Title       string
	Hours       int
	Minutes     int
	Seconds     int
}

type Started struct {
	SessionKey  string    `json:"session_id"`
	BroadcastID string    `json:"broadcast_id"`
	StartedAt   time.Time `json:"start_time"`
	Username    string    `json:"username"`
}

type Status struct {
	Active      bool      `json:"active"`
	BroadcastID string    `json:"broadcast_id,omitempty"`
	StartedAt   time.Time `json:"start_time,omitempty"`
}

type Options struct {
	Provider  broadcast.Provider
	Registry  *registry.Registry
	Validator *validate.Validator
	Admission Admission
	Observer  Observer
	Logger    logrus.FieldLogger
	Config    config.StreamConfig
	// ProviderTimeout bounds each provider call; zero leaves the caller's
	// context alone.
	ProviderTimeout time.Duration
	// Debug turns registry invariant violations into panics.
	Debug bool
	// IsRejection tells a refusal by the platform apart from a fault.
	IsRejection func(error) bool
	// Describe renders provider errors for the operator.
	Describe func(error) string
}

type Service struct {
	provider        broadcast.Provider
	registry        *registry.Registry
	validator       *validate.Validator
	admission       Admission
	observer        Observer
	logger          logrus.FieldLogger
	cfg             config.StreamConfig
	providerTimeout time.Duration
	debug           bool
	isRejection     func(error) bool
	describe        func(error) string

	newKey func() string
	sleep  func(ctx context.Context, d time.Duration) error

	startMu  sync.Mutex
	starting map[string]struct{}
}

func New(opts Options) *Service {
	s := &Service{
		provider:        opts.Provider,
		registry:        opts.Registry,
		validator:       opts.Validator,
		admission:       opts.Admission,
		observer:        opts.Observer,
		logger:          opts.Logger,
		cfg:             opts.Config,
		providerTimeout: opts.ProviderTimeout,
		debug:           opts.Debug,
		isRejection:     opts.IsRejection,
		describe:        opts.Describe,
		newKey:          uuid.NewString,
		sleep:           sleepContext,
		starting:        make(map[string]struct{}),
	}
	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}
	if s.validator == nil {
		s.validator = validate.New(opts.Config.MaxDurationHours, nil)
	}
	if s.isRejection == nil {
		s.isRejection = func(error) bool { return false }
	}
	if s.describe == nil {
		s.describe = func(error) string { return genericFailure }
	}
	return s
}

func (s *Service) Registry() *registry.Registry { return s.registry }

// StartStream starts a broadcast and registers it under a fresh session key.
// On any failure the registry is left untouched and a started handle is
// stopped again.
func (s *Service) StartStream(ctx context.Context, req StartRequest) (started Started, err error) {
	defer s.observe("start", time.Now(), &err)

	if req.CurrentKey != "" && s.registry.IsActive(req.CurrentKey) {
		return Started{}, newError(KindAlreadyActive, "A live stream is already active", nil)
	}
	if !s.claim(req.Owner) {
		return Started{}, newError(KindAlreadyActive, "A live stream is already starting", nil)
	}
	defer s.release(req.Owner)
	if err := s.validator.Credentials(string(req.Credentials)); err != nil {
		return Started{}, newError(KindValidation, err.Error(), err)
	}
	if err := s.validator.Duration(req.Hours, req.Minutes, req.Seconds); err != nil {
		return Started{}, newError(KindDuration, err.Error(), err)
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = s.cfg.DefaultTitle
	}
	if err := s.validator.Title(title); err != nil {
		return Started{}, newError(KindValidation, err.Error(), err)
	}
	if req.VideoPath == "" {
		return Started{}, newError(KindValidation, "Video file is required", nil)
	}
	if _, err := os.Stat(req.VideoPath); err != nil {
		return Started{}, newError(KindValidation, "Video file not found", err)
	}
	if s.admission != nil {
		if err := s.admission.Admit(ctx, req.VideoPath); err != nil {
			return Started{}, newError(KindStartRejected, "Video cannot be streamed: "+err.Error(), err)
		}
	}

	h, err := s.authenticate(ctx, req.Credentials)
	if err != nil {
		return Started{}, err
	}
	log := s.logger.WithField("user", h.User().Username)

	params := broadcast.StartParams{
		VideoPath: req.VideoPath,
		Title:     title,
		Hours:     req.Hours,
		Minutes:   req.Minutes,
		Seconds:   req.Seconds,
	}
	callCtx, cancel := s.providerContext(ctx)
	ok, err := h.Start(callCtx, params)
	cancel()
	if err != nil {
		if s.isRejection(err) {
			return Started{}, newError(KindStartRejected, "Failed to start live stream: "+s.describe(err), err)
		}
		log.WithError(err).Error("start broadcast failed")
		return Started{}, newError(KindProvider, genericFailure, err)
	}
	if !ok {
		return Started{}, newError(KindStartRejected, "Failed to start live stream", nil)
	}

	broadcastID, err := s.settle(ctx, h)
	if err != nil {
		s.stopOrphan(h, log)
		return Started{}, newError(KindProvider, "Start request was cancelled", err)
	}
	if broadcastID == "" {
		log.Warn("broadcast id not assigned within settle timeout")
	}

	key := s.newKey()
	if err := s.registry.Create(key, h); err != nil {
		s.stopOrphan(h, log)
		if s.debug {
			panic(fmt.Sprintf("session registry: %v", err))
		}
		log.WithError(err).Error("session registry rejected new key")
		return Started{}, newError(KindProvider, genericFailure, err)
	}
	if f, ok := h.(broadcast.Finisher); ok {
		go s.watch(key, f)
	}
	// The caller's previous record is unreachable once its key is replaced.
	if req.CurrentKey != "" && req.CurrentKey != key {
		s.registry.Remove(req.CurrentKey)
	}

	log.WithFields(logrus.Fields{
		"session_hash": registry.MaskKey(key),
		"broadcast_id": broadcastID,
	}).Info("live stream started")
	return Started{
		SessionKey:  key,
		BroadcastID: broadcastID,
		StartedAt:   h.StartedAt(),
		Username:    h.User().Username,
	}, nil
}

// StopStream ends the broadcast owned by key. Stop failures on the platform
// side are logged by the registry and still count as success.
func (s *Service) StopStream(key string) (err error) {
	defer s.observe("stop", time.Now(), &err)

	if key == "" || !s.registry.IsActive(key) {
		return newError(KindNotActive, "No active live stream", nil)
	}
	if s.registry.Remove(key) {
		s.logger.WithField("session_hash", registry.MaskKey(key)).Info("live stream stopped")
	}
	return nil
}

func (s *Service) GetInfo(ctx context.Context, key string) (info broadcast.Info, err error) {
	defer s.observe("info", time.Now(), &err)

	h, err := s.activeHandle(key)
	if err != nil {
		return broadcast.Info{}, err
	}
	callCtx, cancel := s.providerContext(ctx)
	defer cancel()
	got, err := h.Info(callCtx)
	if err != nil {
		s.logger.WithError(err).WithField("session_hash", registry.MaskKey(key)).Warn("fetch live info failed")
		return broadcast.Info{}, newError(KindInfo, "Failed to get stream information: "+s.describe(err), err)
	}
	if got == nil {
		return broadcast.Info{}, newError(KindInfo, "Failed to fetch stream information", nil)
	}
	info = *got
	if info.Comments == nil {
		info.Comments = []broadcast.Comment{}
	}
	if info.BroadcastID == "" {
		info.BroadcastID = h.BroadcastID()
	}
	return info, nil
}

// PostComment rejects empty text before the registry or platform is consulted.
func (s *Service) PostComment(ctx context.Context, key, text string) (err error) {
	defer s.observe("comment", time.Now(), &err)

	if err := s.validator.Comment(text); err != nil {
		return newError(KindValidation, err.Error(), err)
	}
	h, err := s.activeHandle(key)
	if err != nil {
		return err
	}
	callCtx, cancel := s.providerContext(ctx)
	defer cancel()
	ok, err := h.Comment(callCtx, strings.TrimSpace(text))
	if err != nil {
		if s.isRejection(err) {
			return newError(KindComment, "Failed to post comment: "+s.describe(err), err)
		}
		s.logger.WithError(err).WithField("session_hash", registry.MaskKey(key)).Error("post comment failed")
		return newError(KindProvider, genericFailure, err)
	}
	if !ok {
		return newError(KindComment, "Failed to post comment", nil)
	}
	return nil
}

// ValidateCredentials checks cookie shape and that the platform accepts them.
func (s *Service) ValidateCredentials(ctx context.Context, creds broadcast.Credentials) (user broadcast.User, err error) {
	defer s.observe("validate", time.Now(), &err)

	if err := s.validator.Credentials(string(creds)); err != nil {
		return broadcast.User{}, newError(KindValidation, err.Error(), err)
	}
	h, err := s.authenticate(ctx, creds)
	if err != nil {
		return broadcast.User{}, err
	}
	return *h.User(), nil
}

func (s *Service) Status(key string) Status {
	if key == "" || !s.registry.IsActive(key) {
		return Status{}
	}
	h, ok := s.registry.Get(key)
	if !ok {
		return Status{}
	}
	return Status{Active: true, BroadcastID: h.BroadcastID(), StartedAt: h.StartedAt()}
}

// IsActive reports whether key owns a running broadcast.
func (s *Service) IsActive(key string) bool {
	return key != "" && s.registry.IsActive(key)
}

func (s *Service) claim(owner string) bool {
	if owner == "" {
		return true
	}
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if _, busy := s.starting[owner]; busy {
		return false
	}
	s.starting[owner] = struct{}{}
	return true
}

func (s *Service) release(owner string) {
	if owner == "" {
		return
	}
	s.startMu.Lock()
	delete(s.starting, owner)
	s.startMu.Unlock()
}

func (s *Service) authenticate(ctx context.Context, creds broadcast.Credentials) (broadcast.Handle, error) {
	callCtx, cancel := s.providerContext(ctx)
	defer cancel()
	h, err := s.provider.Authenticate(callCtx, creds)
	if err != nil {
		if s.isRejection(err) {
			return nil, newError(KindAuth, s.describe(err), err)
		}
		s.logger.WithError(err).Error("authenticate against platform failed")
		return nil, newError(KindProvider, s.describe(err), err)
	}
	if h == nil || h.User() == nil {
		return nil, newError(KindAuth, "Invalid Instagram session. Please reconfigure cookies.", nil)
	}
	return h, nil
}

func (s *Service) activeHandle(key string) (broadcast.Handle, error) {
	if key == "" || !s.registry.IsActive(key) {
		return nil, newError(KindNotActive, "No active live stream", nil)
	}
	h, ok := s.registry.Get(key)
	if !ok {
		return nil, newError(KindNotActive, "No active live stream", nil)
	}
	return h, nil
}

// settle waits for the platform to publish the broadcast id, polling with a
// growing interval. It gives up quietly after SettleTimeout.
func (s *Service) settle(ctx context.Context, h broadcast.Handle) (string, error) {
	if err := s.sleep(ctx, s.cfg.SettleDelay); err != nil {
		return "", err
	}
	deadline := time.Now().Add(s.cfg.SettleTimeout)
	poll := s.cfg.SettlePoll
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	for {
		if id := h.BroadcastID(); id != "" {
			return id, nil
		}
		if !time.Now().Before(deadline) {
			return "", nil
		}
		if err := s.sleep(ctx, poll); err != nil {
			return "", err
		}
		if poll < time.Second {
			poll *= 2
		}
	}
}

func (s *Service) watch(key string, f broadcast.Finisher) {
	<-f.Done()
	if s.registry.IsActive(key) {
		s.registry.SetInactive(key)
		s.logger.WithField("session_hash", registry.MaskKey(key)).Info("live stream ended")
	}
}

func (s *Service) stopOrphan(h broadcast.Handle, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout())
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		log.WithError(err).Warn("stop unregistered broadcast failed")
	}
}

func (s *Service) stopTimeout() time.Duration {
	if s.providerTimeout > 0 {
		return s.providerTimeout
	}
	return 15 * time.Second
}

func (s *Service) providerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.providerTimeout > 0 {
		return context.WithTimeout(ctx, s.providerTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Service) observe(op string, start time.Time, errp *error) {
	if s.observer == nil {
		return
	}
	outcome := "ok"
	if *errp != nil {
		outcome = string(KindOf(*errp))
	}
	s.observer.ObserveOperation(op, outcome, time.Since(start))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
