// Package orchestrator drives one file event through authentication, identity
// resolution, drive upload and knowledge registration, and always produces
// an encrypted acknowledgement.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/memohai/knowbot/internal/callback"
	"github.com/memohai/knowbot/internal/dedupe"
	"github.com/memohai/knowbot/internal/drive"
	"github.com/memohai/knowbot/internal/failure"
	"github.com/memohai/knowbot/internal/knowledge"
	"github.com/memohai/knowbot/internal/retry"
	"github.com/memohai/knowbot/internal/upload"
)

// Codec seals and opens callback envelopes.
type Codec interface {
	VerifyAndDecrypt(env callback.Envelope) ([]byte, error)
	Encrypt(plaintext []byte) (callback.Envelope, error)
}

type IdentityResolver interface {
	ResolveUserID(ctx context.Context, nick string) (string, error)
	ResolveUnionID(ctx context.Context, userID string) (string, error)
}

type SpaceLocator interface {
	ResolveSpace(ctx context.Context, unionID string) (drive.Space, error)
}

type Uploader interface {
	FetchSource(ctx context.Context, event callback.FileEvent) ([]byte, error)
	UploadToSpace(ctx context.Context, space drive.Space, fileName string, data []byte) (upload.Result, error)
	ToDocURL(ctx context.Context, res upload.Result) (string, error)
	CanFallback(err error) bool
	Fallback(ctx context.Context, fileName string, data []byte) (string, error)
}

type Registrar interface {
	Learn(ctx context.Context, docURL, title string) (knowledge.Record, error)
}

// Notifier replies in the sender's conversation (stream mode).
type Notifier interface {
	ReplyText(ctx context.Context, sessionWebhook, text string) error
}

// Deps are the collaborators of an Orchestrator. Dedupe and Notifier are optional.
type Deps struct {
	Codec     Codec
	Identity  IdentityResolver
	Spaces    SpaceLocator
	Uploader  Uploader
	Registrar Registrar
	Dedupe    dedupe.Store
	Notifier  Notifier
}

// Policies holds one retry policy per pipeline step.
type Policies struct {
	Identity retry.Policy
	Space    retry.Policy
	Download retry.Policy
	Upload   retry.Policy
	Preview  retry.Policy
	Register retry.Policy
}

// Config bounds the orchestrator.
type Config struct {
	MaxConcurrency  int64
	CallTimeout     time.Duration
	PipelineTimeout time.Duration
	ResponseTimeout time.Duration
	DedupeTTL       time.Duration
	Policies        Policies
}

// DefaultPolicies returns the step policies used when none are configured.
func DefaultPolicies() Policies {
	return Policies{
		Identity: retry.Policy{Name: "identity", MaxAttempts: 3, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 4 * time.Second},
		Space:    retry.Policy{Name: "space", MaxAttempts: 3, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 4 * time.Second},
		Download: retry.Policy{Name: "download", MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 5 * time.Second},
		Upload:   retry.Policy{Name: "upload", MaxAttempts: 2, InitialBackoff: time.Second, MaxBackoff: 5 * time.Second},
		Preview:  retry.Policy{Name: "preview", MaxAttempts: 4, InitialBackoff: time.Second, Multiplier: 1.5, MaxBackoff: 3 * time.Second},
		Register: retry.Policy{Name: "register", MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 8 * time.Second},
	}
}

// Orchestrator is shared by all events; per-event state lives on the stack.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	sem    *semaphore.Weighted
	logger *slog.Logger
}

func New(log *slog.Logger, deps Deps, cfg Config) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "orchestrator"))
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.PipelineTimeout <= 0 {
		cfg.PipelineTimeout = 2 * time.Minute
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 4 * time.Second
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 24 * time.Hour
	}
	defaults := DefaultPolicies()
	cfg.Policies.Identity = withDefaults(cfg.Policies.Identity, defaults.Identity, log)
	cfg.Policies.Space = withDefaults(cfg.Policies.Space, defaults.Space, log)
	cfg.Policies.Download = withDefaults(cfg.Policies.Download, defaults.Download, log)
	cfg.Policies.Upload = withDefaults(cfg.Policies.Upload, defaults.Upload, log)
	cfg.Policies.Preview = withDefaults(cfg.Policies.Preview, defaults.Preview, log)
	cfg.Policies.Register = withDefaults(cfg.Policies.Register, defaults.Register, log)
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrency),
		logger: log,
	}
}

func withDefaults(p, def retry.Policy, log *slog.Logger) retry.Policy {
	if p.Name == "" {
		p.Name = def.Name
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.Multiplier == 0 {
		p.Multiplier = def.Multiplier
	}
	if p.Logger == nil {
		p.Logger = log
	}
	return retry.Normalize(p)
}

// Handle authenticates an inbound envelope, runs the pipeline for file
// messages and returns the encrypted acknowledgement. It never fails: every
// error ends in StateFailed with a generic failure response. The pipeline
// keeps running on a detached context when the caller goes away or the
// response deadline passes.
func (o *Orchestrator) Handle(ctx context.Context, env callback.Envelope) Outcome {
	traceID := uuid.NewString()
	log := o.logger.With(slog.String("trace_id", traceID))
	m := newMachine(StateReceived)

	plaintext, err := o.deps.Codec.VerifyAndDecrypt(env)
	if err != nil {
		log.Warn("callback rejected", slog.Any("error", err))
		return o.respond(log, m.fail(err))
	}
	m.advance(StateAuthenticated)

	event, err := callback.ParseEvent(plaintext)
	if err != nil {
		log.Warn("callback payload invalid", slog.Any("error", err))
		return o.respond(log, m.fail(err))
	}
	if event.Type != callback.EventFile {
		m.advance(StateAcknowledged)
		out := m.done()
		out.Ignored = event.Type == callback.EventIgnored
		log.Debug("callback acknowledged without pipeline", slog.String("event", event.RawType))
		return o.respond(log, out)
	}

	before := m.snapshot()
	done := make(chan Outcome, 1)
	runCtx := context.WithoutCancel(ctx)
	go func() {
		done <- o.run(runCtx, log, m, *event.File)
	}()

	timer := time.NewTimer(o.cfg.ResponseTimeout)
	defer timer.Stop()
	select {
	case out := <-done:
		return o.respond(log, out)
	case <-timer.C:
		log.Warn("response deadline reached, pipeline continues in background",
			slog.Duration("response_timeout", o.cfg.ResponseTimeout))
	case <-ctx.Done():
		log.Info("caller gone, pipeline continues in background")
	}
	timeoutErr := failure.New(failure.KindDeadlineExceeded, "callback response", "pipeline still running")
	out := Outcome{
		State:    StateFailed,
		Failure:  failure.KindDeadlineExceeded,
		Err:      timeoutErr,
		Trail:    append(before, StateFailed),
		Detached: true,
	}
	return o.respond(log, out)
}

// Process runs the post-authentication pipeline for an already trusted event
// (stream mode). The caller's context bounds it in addition to the pipeline
// timeout.
func (o *Orchestrator) Process(ctx context.Context, event callback.FileEvent) Outcome {
	log := o.logger.With(slog.String("trace_id", uuid.NewString()))
	return o.run(ctx, log, newMachine(StateAuthenticated), event)
}

func (o *Orchestrator) respond(log *slog.Logger, out Outcome) Outcome {
	ack := AckSuccess
	if out.State != StateAcknowledged {
		ack = AckFailure
	}
	env, err := o.deps.Codec.Encrypt([]byte(ack))
	if err != nil {
		// nothing sensible can be sent; the transport layer answers 500
		log.Error("encrypt acknowledgement", slog.Any("error", err))
		if out.Err == nil {
			out.Err = err
		}
		return out
	}
	out.Response = env
	return out
}

func (o *Orchestrator) run(ctx context.Context, log *slog.Logger, m *machine, event callback.FileEvent) Outcome {
	log = log.With(
		slog.String("message_id", event.MessageID),
		slog.String("sender", event.SenderNick),
		slog.String("file_name", event.FileName))

	claimKey := ""
	if o.deps.Dedupe != nil && event.MessageID != "" {
		claimKey = "msg:" + event.MessageID
		claimed, err := o.deps.Dedupe.Claim(ctx, claimKey, o.cfg.DedupeTTL)
		switch {
		case err != nil:
			log.Warn("dedupe claim failed, processing anyway", slog.Any("error", err))
			claimKey = ""
		case !claimed:
			log.Info("duplicate delivery acknowledged")
			m.advance(StateAcknowledged)
			out := m.done()
			out.Duplicate = true
			return out
		}
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.PipelineTimeout)
	defer cancel()

	start := time.Now()
	out := o.pipeline(ctx, m, event)
	if out.State == StateFailed && ctx.Err() == context.DeadlineExceeded && out.Failure != failure.KindDeadlineExceeded {
		out.Err = failure.Wrap(failure.KindDeadlineExceeded, "pipeline", out.Err)
		out.Failure = failure.KindDeadlineExceeded
	}

	if out.State == StateFailed {
		log.Warn("file event failed",
			slog.String("failure", out.Failure.String()),
			slog.Any("trail", out.Trail),
			slog.Duration("elapsed", time.Since(start)),
			slog.Any("error", out.Err))
		if claimKey != "" && releasable(out.Err) {
			if err := o.deps.Dedupe.Release(context.WithoutCancel(ctx), claimKey); err != nil {
				log.Warn("dedupe release failed", slog.Any("error", err))
			}
		}
	} else {
		log.Info("file event acknowledged",
			slog.String("doc_url", out.DocURL),
			slog.Duration("elapsed", time.Since(start)))
	}
	o.notify(context.WithoutCancel(ctx), log, event, out)
	return out
}

func (o *Orchestrator) pipeline(ctx context.Context, m *machine, event callback.FileEvent) Outcome {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return m.fail(failure.Wrap(failure.KindDeadlineExceeded, "acquire pipeline slot", err))
	}
	defer o.sem.Release(1)

	p := o.cfg.Policies
	userID, err := step(ctx, o, p.Identity, func(ctx context.Context) (string, error) {
		return o.deps.Identity.ResolveUserID(ctx, event.SenderNick)
	})
	if err != nil {
		return m.fail(err)
	}
	unionID, err := step(ctx, o, p.Identity, func(ctx context.Context) (string, error) {
		return o.deps.Identity.ResolveUnionID(ctx, userID)
	})
	if err != nil {
		return m.fail(err)
	}
	m.advance(StateIdentityResolved)

	space, err := step(ctx, o, p.Space, func(ctx context.Context) (drive.Space, error) {
		return o.deps.Spaces.ResolveSpace(ctx, unionID)
	})
	if err != nil {
		return m.fail(err)
	}
	m.advance(StateSpaceResolved)

	data, err := step(ctx, o, p.Download, func(ctx context.Context) ([]byte, error) {
		return o.deps.Uploader.FetchSource(ctx, event)
	})
	if err != nil {
		return m.fail(err)
	}
	docURL, err := o.publish(ctx, space, event.FileName, data)
	if err != nil {
		return m.fail(err)
	}
	m.advance(StateUploaded)

	record, err := step(ctx, o, p.Register, func(ctx context.Context) (knowledge.Record, error) {
		return o.deps.Registrar.Learn(ctx, docURL, event.FileName)
	})
	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			err = failure.Wrap(failure.KindRegistration, "register document", err)
		}
		out := m.fail(err)
		out.DocURL = docURL
		return out
	}
	m.advance(StateRegistered)
	m.advance(StateAcknowledged)

	out := m.done()
	out.DocURL = docURL
	out.Record = &record
	return out
}

// publish uploads data and returns a document URL, falling back to a local
// copy when the drive path fails for a reason a copy can work around.
func (o *Orchestrator) publish(ctx context.Context, space drive.Space, fileName string, data []byte) (string, error) {
	p := o.cfg.Policies
	res, err := step(ctx, o, p.Upload, func(ctx context.Context) (upload.Result, error) {
		return o.deps.Uploader.UploadToSpace(ctx, space, fileName, data)
	})
	if err == nil {
		var docURL string
		docURL, err = step(ctx, o, p.Preview, func(ctx context.Context) (string, error) {
			return o.deps.Uploader.ToDocURL(ctx, res)
		})
		if err == nil {
			return docURL, nil
		}
	}
	if !o.deps.Uploader.CanFallback(err) {
		return "", err
	}
	o.logger.Warn("drive publish failed, using fallback", slog.Any("error", err))
	docURL, fbErr := o.deps.Uploader.Fallback(ctx, fileName, data)
	if fbErr != nil {
		return "", errors.Join(err, fbErr)
	}
	return docURL, nil
}

// step runs fn under policy p with a per-call timeout on every attempt.
// A call that runs out of time while the pipeline deadline is still ahead is
// a transient failure and gets retried; KindDeadlineExceeded is left for the
// pipeline deadline itself.
func step[T any](ctx context.Context, o *Orchestrator, p retry.Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := retry.Do(ctx, p, func(ctx context.Context, _ int) error {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		defer cancel()
		v, err := fn(callCtx)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return failure.Wrap(failure.KindTransient, p.Name+" call timeout", err)
			}
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// releasable reports whether a redelivery of the same message may succeed.
func releasable(err error) bool {
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return true
	}
	switch failure.KindOf(err) {
	case failure.KindRateLimited, failure.KindTransient, failure.KindPreviewUnavailable,
		failure.KindRegistration, failure.KindDeadlineExceeded, failure.KindInternal:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) notify(ctx context.Context, log *slog.Logger, event callback.FileEvent, out Outcome) {
	if o.deps.Notifier == nil || event.SessionWebhook == "" || out.Duplicate {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()
	if err := o.deps.Notifier.ReplyText(ctx, event.SessionWebhook, replyText(event, out)); err != nil {
		log.Warn("reply to sender failed", slog.Any("error", err))
	}
}
