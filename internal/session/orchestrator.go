package session

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"wipecert_enterprise/internal/certificate"
	"wipecert_enterprise/internal/security"
	"wipecert_enterprise/internal/system"
	"wipecert_enterprise/internal/telemetry"
	"wipecert_enterprise/internal/wipe"
)

// Validator is the preflight eligibility gate.
type Validator interface {
	Validate(dev system.Device) error
}

// Certifier mints a certificate for a successful outcome.
type Certifier interface {
	Issue(ctx context.Context, outcome *wipe.Outcome, dev system.Device, opts wipe.Options) (*certificate.Certificate, error)
}

// Orchestrator runs wipe sessions one at a time.
type Orchestrator struct {
	backend   wipe.Backend
	validator Validator
	certifier Certifier
	logger    *zap.Logger
	store     *Store

	continueOnFailure bool
	progressEvery     time.Duration
	deliveryTimeout   time.Duration

	mu     sync.Mutex
	active string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithContinueOnFailure sets the default failure policy.
func WithContinueOnFailure(v bool) Option {
	return func(o *Orchestrator) { o.continueOnFailure = v }
}

// WithProgressInterval sets the minimum spacing of progress snapshots. Zero
// disables throttling.
func WithProgressInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.progressEvery = d }
}

// WithDeliveryTimeout bounds how long the final state waits for a reader
// before the updates channel is closed without it.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.deliveryTimeout = d }
}

// WithStore shares a session store.
func WithStore(s *Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

func New(backend wipe.Backend, validator Validator, certifier Certifier, logger *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		backend:           backend,
		validator:         validator,
		certifier:         certifier,
		logger:            logger,
		continueOnFailure: true,
		progressEvery:     250 * time.Millisecond,
		deliveryTimeout:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.store == nil {
		o.store = NewStore()
	}
	return o
}

// Store returns the orchestrator's session store.
func (o *Orchestrator) Store() *Store { return o.store }

// Active returns the id of the running session, if any.
func (o *Orchestrator) Active() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active, o.active != ""
}

// Handle is the caller's view of a started session.
type Handle struct {
	ID      string
	updates <-chan State
	rec     *Record
}

// Updates streams state snapshots. The channel is closed after the terminal
// snapshot. Sends block until read, so a running session only advances while
// someone drains it; the terminal snapshot is dropped if nobody reads it
// within the delivery timeout.
func (h *Handle) Updates() <-chan State { return h.updates }

// Wait blocks until the session finishes.
func (h *Handle) Wait() *Result {
	<-h.rec.done
	res, _ := h.rec.Result()
	return res
}

// Start launches a session and returns without waiting for it.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*Handle, error) {
	if err := req.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid session request")
	}

	o.mu.Lock()
	if o.active != "" {
		active := o.active
		o.mu.Unlock()
		return nil, errors.WithHintf(ErrSessionAlreadyActive, "wait for session %s to finish or cancel it", active)
	}
	id := uuid.NewString()
	o.active = id
	o.mu.Unlock()

	ids := make([]string, len(req.Devices))
	for i, d := range req.Devices {
		ids[i] = d.ID
	}

	runCtx, cancel := context.WithCancel(ctx)
	rec := &Record{
		ID:        id,
		StartedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     State{SessionID: id, DeviceIDs: ids, Phase: PhaseIdle},
	}
	o.store.put(rec)

	updates := make(chan State)
	r := &run{
		rec:               rec,
		req:               req,
		continueOnFailure: o.continueOnFailure,
		confirmed:         make(map[string]bool, len(req.ConfirmedFixed)),
		updates:           updates,
		tick:              make(chan struct{}, 1),
	}
	if req.ContinueOnFailure != nil {
		r.continueOnFailure = *req.ContinueOnFailure
	}
	for _, d := range req.ConfirmedFixed {
		r.confirmed[d] = true
	}

	go o.execute(runCtx, cancel, r)

	return &Handle{ID: id, updates: updates, rec: rec}, nil
}

// Run is the synchronous form of Start. It drains the updates itself.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	h, err := o.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	for range h.Updates() {
	}
	res := h.Wait()
	return res, res.Err
}

// Cancel stops a session. The in-flight erasure command is terminated and
// devices not yet attempted are skipped. Cancelling a finished session is a
// no-op.
func (o *Orchestrator) Cancel(id string) error {
	rec, err := o.store.Get(id)
	if err != nil {
		return err
	}
	select {
	case <-rec.done:
		return nil
	default:
	}
	o.logger.Info("Cancelling session", zap.String("session_id", id))
	rec.cancel()
	return nil
}

type run struct {
	rec               *Record
	req               Request
	continueOnFailure bool
	confirmed         map[string]bool

	updates chan State
	tick    chan struct{}
	// fraction of the in-flight device, stored as float64 bits
	fraction atomic.Uint64

	devices  []DeviceReport
	certIDs  []string
	warnings []string
}

func (r *run) onProgress(f float64) {
	r.fraction.Store(math.Float64bits(f))
	select {
	case r.tick <- struct{}{}:
	default:
	}
}

func (r *run) refresh(s *State) {
	f := math.Float64frombits(r.fraction.Load())
	v := (float64(s.CompletedCount) + f) / float64(len(s.DeviceIDs)) * 100
	if v > 100 {
		v = 100
	}
	if v > s.OverallProgress {
		s.OverallProgress = v
	}
}

func (r *run) transition(ctx context.Context, phase Phase, current string) {
	st := r.rec.update(func(s *State) {
		s.Phase = phase
		s.CurrentDeviceID = current
		r.refresh(s)
	})
	select {
	case r.updates <- st:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) forwardProgress(ctx context.Context, r *run) {
	limit := rate.Inf
	if o.progressEvery > 0 {
		limit = rate.Every(o.progressEvery)
	}
	limiter := rate.NewLimiter(limit, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.tick:
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		st := r.rec.update(r.refresh)
		select {
		case r.updates <- st:
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) execute(ctx context.Context, cancel context.CancelFunc, r *run) {
	defer cancel()

	ctx, span := telemetry.StartSpan(ctx, "session.run",
		attribute.String("session_id", r.rec.ID),
		attribute.Int("devices", len(r.req.Devices)))

	log := o.logger.With(zap.String("session_id", r.rec.ID))
	log.Info("Starting wipe session",
		zap.Int("devices", len(r.req.Devices)),
		zap.String("standard", string(r.req.Options.Standard)),
		zap.Int("passes", r.req.Options.EffectivePasses()),
		zap.Bool("continue_on_failure", r.continueOnFailure))

	start := time.Now()
	r.transition(ctx, PhasePreparing, "")

	var aborted, cancelled bool
	var abortedBy *DeviceReport
	for _, dev := range r.req.Devices {
		if !aborted && !cancelled && ctx.Err() != nil {
			cancelled = true
		}
		if aborted || cancelled {
			r.devices = append(r.devices, DeviceReport{Device: dev, Status: StatusSkipped})
			continue
		}

		report := o.runDevice(ctx, r, dev)
		r.devices = append(r.devices, report)
		r.fraction.Store(0)
		if report.Status == StatusSkipped {
			cancelled = true
			continue
		}
		r.rec.update(func(s *State) {
			s.CompletedCount++
			s.CurrentDeviceID = ""
			r.refresh(s)
		})

		switch report.Status {
		case StatusCancelled:
			cancelled = true
		case StatusFailed, StatusRejected:
			if !r.continueOnFailure {
				aborted = true
				abortedBy = &report
			}
		}
	}

	res := &Result{
		SessionID:      r.rec.ID,
		Options:        r.req.Options,
		StartTime:      start,
		EndTime:        time.Now(),
		Devices:        r.devices,
		CertificateIDs: r.certIDs,
		Warnings:       r.warnings,
	}
	switch {
	case cancelled:
		res.Phase = PhaseCancelled
		res.Err = ErrSessionCancelled
	case aborted:
		res.Phase = PhaseError
		res.Err = errors.Newf("session aborted: device %s %s: %s",
			abortedBy.Device.ID, abortedBy.Status, abortedBy.Error)
	default:
		res.Phase = PhaseCompleted
	}
	telemetry.End(span, res.Err)

	final := r.rec.update(func(s *State) {
		s.Phase = res.Phase
		s.CurrentDeviceID = ""
		r.refresh(s)
	})

	log.Info("Wipe session finished",
		zap.String("phase", string(res.Phase)),
		zap.Duration("duration", res.EndTime.Sub(res.StartTime)),
		zap.Int("certified", res.Count(StatusCertified)),
		zap.Int("uncertified", res.Count(StatusErasedUncertified)),
		zap.Int("failed", res.Count(StatusFailed)),
		zap.Int("rejected", res.Count(StatusRejected)),
		zap.Int("skipped", res.Count(StatusSkipped)))

	o.mu.Lock()
	o.active = ""
	o.mu.Unlock()
	r.rec.finish(res)

	deliver := time.NewTimer(o.deliveryTimeout)
	select {
	case r.updates <- final:
	case <-deliver.C:
		log.Warn("Nobody read the final session state, closing updates",
			zap.Duration("waited", o.deliveryTimeout))
	}
	deliver.Stop()
	close(r.updates)
}

func (o *Orchestrator) runDevice(ctx context.Context, r *run, dev system.Device) (report DeviceReport) {
	ctx, span := telemetry.StartSpan(ctx, "session.device", attribute.String("device_id", dev.ID))
	defer func() {
		var err error
		if report.Error != "" {
			err = errors.New(report.Error)
		}
		telemetry.End(span, err)
	}()

	log := o.logger.With(zap.String("session_id", r.rec.ID), zap.String("device_id", dev.ID))
	report.Device = dev
	r.transition(ctx, PhaseWipingDevice, dev.ID)
	if ctx.Err() != nil {
		log.Info("Session cancelled before the device was attempted")
		report.Status = StatusSkipped
		return report
	}

	if err := o.checkEligible(r, dev, log); err != nil {
		reason, _ := security.ReasonOf(err)
		r.rec.update(func(s *State) {
			s.Rejections = append(s.Rejections, Rejection{DeviceID: dev.ID, Reason: reason, Message: err.Error()})
		})
		log.Warn("Device rejected", zap.String("reason", string(reason)), zap.String("path", dev.Path))
		report.Status = StatusRejected
		report.ErrorKind = string(reason)
		report.Error = err.Error()
		return report
	}

	spec, err := o.backend.Resolve(dev, r.req.Options)
	if err != nil {
		log.Error("No erasure command for device", zap.Error(err))
		report.Status = StatusFailed
		report.ErrorKind = "ResolveFailed"
		if errors.Is(err, wipe.ErrUnsupported) {
			report.ErrorKind = "Unsupported"
		}
		report.Error = err.Error()
		return report
	}
	report.Command = spec.String()
	log.Info("Executing erasure command",
		zap.String("command", report.Command),
		zap.String("method", string(spec.Method)),
		zap.Int("passes", spec.Passes))

	fwdCtx, stopForward := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.forwardProgress(fwdCtx, r)
	}()
	outcome, err := o.backend.Execute(ctx, dev, spec, r.onProgress)
	stopForward()
	wg.Wait()

	if outcome != nil {
		report.Outcome = outcome
		r.rec.update(func(s *State) { s.Outcomes = append(s.Outcomes, *outcome) })
	}
	if err != nil {
		kind, ok := wipe.KindOf(err)
		report.Status = StatusFailed
		report.ErrorKind = "ExecutionFailed"
		if ok {
			report.ErrorKind = string(kind)
			if kind == wipe.KindCancelled {
				report.Status = StatusCancelled
			}
		}
		report.Error = err.Error()
		log.Error("Erasure failed", zap.String("kind", report.ErrorKind), zap.Error(err))
		return report
	}
	if outcome == nil || !outcome.Success {
		report.Status = StatusFailed
		report.ErrorKind = "ExecutionFailed"
		report.Error = "backend reported no successful outcome"
		return report
	}

	r.fraction.Store(math.Float64bits(1))
	r.transition(ctx, PhaseGeneratingCertificates, dev.ID)

	// A finished erasure is certified even if the session is being cancelled.
	cert, err := o.certifier.Issue(context.WithoutCancel(ctx), outcome, dev, r.req.Options)
	if err != nil {
		report.Status = StatusErasedUncertified
		report.Warning = "erasure succeeded, certificate not issued: " + err.Error()
		r.warnings = append(r.warnings, fmt.Sprintf("device %s: %s", dev.ID, report.Warning))
		log.Error("Certificate not issued", zap.String("outcome_id", outcome.ID), zap.Error(err))
		return report
	}

	report.Status = StatusCertified
	report.CertificateID = cert.ID
	r.certIDs = append(r.certIDs, cert.ID)
	log.Info("Device erased and certified",
		zap.String("certificate_id", cert.ID),
		zap.Int64("duration_ms", outcome.DurationMs))
	return report
}

// checkEligible runs the validator. A NotRemovable rejection is waived for
// devices the operator confirmed, but every other check still applies.
func (o *Orchestrator) checkEligible(r *run, dev system.Device, log *zap.Logger) error {
	err := o.validator.Validate(dev)
	if err == nil {
		return nil
	}
	reason, ok := security.ReasonOf(err)
	if !ok || reason != security.NotRemovable || !r.confirmed[dev.ID] {
		return err
	}

	probe := dev
	probe.Removable = true
	if err := o.validator.Validate(probe); err != nil {
		return err
	}
	log.Warn("Erasing non-removable device on operator confirmation", zap.String("path", dev.Path))
	r.warnings = append(r.warnings, fmt.Sprintf("device %s is not removable; erased on operator confirmation", dev.ID))
	return nil
}
