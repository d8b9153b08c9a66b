package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	iface "PiCamDetServer/interface"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

type Config struct {
	PlaceholderInterval time.Duration `yaml:"placeholder_interval" json:"placeholder_interval"`
	// MaxFPS caps production in ACTIVE state; 0 is unbounded.
	MaxFPS float64 `yaml:"max_fps" json:"max_fps"`
	// FailureBackoff is slept after a failed iteration.
	FailureBackoff time.Duration `yaml:"failure_backoff" json:"failure_backoff"`
}

func DefaultConfig() Config {
	return Config{
		PlaceholderInterval: time.Second,
		MaxFPS:              0,
		FailureBackoff:      50 * time.Millisecond,
	}
}

func (c *Config) Validate() []string {
	var problems []string
	if c.PlaceholderInterval <= 0 {
		problems = append(problems, "stream.placeholder_interval must be positive")
	}
	if c.MaxFPS < 0 {
		problems = append(problems, "stream.max_fps must not be negative")
	}
	if c.FailureBackoff < 0 {
		problems = append(problems, "stream.failure_backoff must not be negative")
	}
	return problems
}

// Observer receives loop events, typically for metrics.
type Observer interface {
	ObserveFrame(placeholder bool)
	ObserveFailure(stage string)
	ObserveState(active bool)
	ObserveInference(d time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveFrame(bool)              {}
func (nopObserver) ObserveFailure(string)          {}
func (nopObserver) ObserveState(bool)              {}
func (nopObserver) ObserveInference(time.Duration) {}

// Options wires a Loop. Source, Inferer, Encoder, Placeholder and
// Broadcaster are required.
type Options struct {
	Source      iface.FrameSource
	Inferer     iface.Inferer
	Encoder     iface.Encoder
	Placeholder iface.EncodedFrame
	Broadcaster *Broadcaster
	Config      Config
	// RetryInterval re-opens a missing device; 0 keeps the loop degraded for good.
	RetryInterval time.Duration
	// MaxFailures consecutive capture errors drop the loop to DEGRADED.
	MaxFailures int
	Observer    Observer
	Logger      *zap.Logger
}

type Status struct {
	State        State     `json:"state"`
	Since        time.Time `json:"since"`
	Produced     uint64    `json:"produced"`
	Placeholders uint64    `json:"placeholders"`
	Failures     uint64    `json:"failures"`
	Recoveries   uint64    `json:"recoveries"`
	LastError    string    `json:"last_error,omitempty"`
}

// Loop is the single producer: capture, infer, encode, publish.
type Loop struct {
	opts Options
	log  *zap.Logger
	obs  Observer

	mu        sync.RWMutex
	state     State
	since     time.Time
	lastError string

	produced     atomic.Uint64
	placeholders atomic.Uint64
	failures     atomic.Uint64
	recoveries   atomic.Uint64
}

func NewLoop(opts Options) (*Loop, error) {
	switch {
	case opts.Source == nil:
		return nil, errors.New("stream: nil frame source")
	case opts.Inferer == nil:
		return nil, errors.New("stream: nil inferer")
	case opts.Encoder == nil:
		return nil, errors.New("stream: nil encoder")
	case opts.Broadcaster == nil:
		return nil, errors.New("stream: nil broadcaster")
	case len(opts.Placeholder.Data) == 0:
		return nil, errors.New("stream: empty placeholder")
	}
	if opts.Config.PlaceholderInterval <= 0 {
		opts.Config.PlaceholderInterval = time.Second
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 1
	}
	l := &Loop{
		opts:  opts,
		log:   opts.Logger,
		obs:   opts.Observer,
		state: StateDegraded,
		since: time.Now(),
	}
	if l.log == nil {
		l.log = zap.NewNop()
	}
	if l.obs == nil {
		l.obs = nopObserver{}
	}
	return l, nil
}

func (l *Loop) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Status{
		State:        l.state,
		Since:        l.since,
		Produced:     l.produced.Load(),
		Placeholders: l.placeholders.Load(),
		Failures:     l.failures.Load(),
		Recoveries:   l.recoveries.Load(),
		LastError:    l.lastError,
	}
}

func (l *Loop) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	changed := l.state != s
	if changed {
		l.state = s
		l.since = time.Now()
	}
	l.mu.Unlock()
	l.obs.ObserveState(s == StateActive)
	if changed {
		l.log.Info("stream state changed", zap.String("state", string(s)))
	}
}

func (l *Loop) recordFailure(err error) {
	stage := iface.Stage(err)
	l.failures.Add(1)
	l.obs.ObserveFailure(stage)
	l.mu.Lock()
	l.lastError = err.Error()
	l.mu.Unlock()
	if iface.Recoverable(err) {
		l.log.Warn("frame skipped", zap.String("stage", stage), zap.Error(err))
		return
	}
	l.log.Error("stream iteration failed", zap.String("stage", stage), zap.Error(err))
}

// acquire tries to open the source and reports whether it is usable.
func (l *Loop) acquire(ctx context.Context) bool {
	if err := l.opts.Source.Acquire(ctx); err != nil {
		if ctx.Err() == nil {
			l.log.Warn("camera unavailable, serving placeholder",
				zap.Error(err), zap.Strings("hints", errors.GetAllHints(err)))
		}
		return false
	}
	return true
}

// Run produces until ctx is cancelled, then releases the source.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		if err := l.opts.Source.Release(); err != nil {
			l.log.Warn("release frame source", zap.Error(err))
		}
	}()

	if l.acquire(ctx) {
		l.setState(StateActive)
	} else {
		l.setState(StateDegraded)
	}
	lastRetry := time.Now()
	captureFailures := 0

	var minInterval time.Duration
	if l.opts.Config.MaxFPS > 0 {
		minInterval = time.Duration(float64(time.Second) / l.opts.Config.MaxFPS)
	}

	for {
		if err := l.opts.Broadcaster.WaitForSubscribers(ctx); err != nil {
			return nil
		}

		if l.State() == StateDegraded {
			retry := l.opts.RetryInterval
			if retry > 0 && time.Since(lastRetry) >= retry {
				lastRetry = time.Now()
				if l.acquire(ctx) {
					l.recoveries.Add(1)
					captureFailures = 0
					l.setState(StateActive)
					continue
				}
			}
			l.publishPlaceholder()
			// wake early for a new viewer so it does not wait a full interval
			if !sleep(ctx, l.opts.Config.PlaceholderInterval, l.opts.Broadcaster.Joined()) {
				return nil
			}
			continue
		}

		start := time.Now()
		err := l.iterate(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			captureFailures = 0
		} else {
			l.recordFailure(err)
			if errors.IsAny(err, iface.ErrCapture, iface.ErrCaptureTimeout, iface.ErrDeviceUnavailable) {
				captureFailures++
			}
			if errors.Is(err, iface.ErrDeviceUnavailable) || captureFailures >= l.opts.MaxFailures {
				l.log.Error("camera lost, falling back to placeholder",
					zap.Int("consecutive_failures", captureFailures))
				if rerr := l.opts.Source.Release(); rerr != nil {
					l.log.Warn("release frame source", zap.Error(rerr))
				}
				captureFailures = 0
				lastRetry = time.Now()
				l.setState(StateDegraded)
				continue
			}
			if !sleep(ctx, l.opts.Config.FailureBackoff, nil) {
				return nil
			}
			continue
		}
		if minInterval > 0 {
			if !sleep(ctx, minInterval-time.Since(start), nil) {
				return nil
			}
		}
	}
}

func (l *Loop) publishPlaceholder() {
	ph := l.opts.Placeholder
	l.opts.Broadcaster.Publish(&Packet{
		Data:        ph.Data,
		ContentType: ph.ContentType,
		Width:       ph.Width,
		Height:      ph.Height,
		Detections:  []iface.Result{},
		Placeholder: true,
		State:       StateDegraded,
		ProducedAt:  time.Now(),
	})
	l.placeholders.Add(1)
	l.obs.ObserveFrame(true)
}

// iterate runs one capture, infer, encode pass. Nothing is published unless
// all three succeed.
func (l *Loop) iterate(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic in stream iteration: %v", r)
		}
	}()

	frame, err := l.opts.Source.Capture(ctx)
	if err != nil {
		return err
	}
	defer frame.Close()

	t0 := time.Now()
	annotated, err := l.opts.Inferer.Infer(frame)
	l.obs.ObserveInference(time.Since(t0))
	if err != nil {
		if !errors.Is(err, iface.ErrInference) {
			err = iface.Mark(err, iface.ErrInference, fmt.Sprintf("frame %d", frame.Seq))
		}
		return err
	}
	defer annotated.Close()

	encoded, err := l.opts.Encoder.Encode(annotated.Mat, frame.Seq)
	if err != nil {
		if !errors.Is(err, iface.ErrEncode) {
			err = iface.Mark(err, iface.ErrEncode, fmt.Sprintf("frame %d", frame.Seq))
		}
		return err
	}

	l.opts.Broadcaster.Publish(&Packet{
		FrameSeq:    frame.Seq,
		Data:        encoded.Data,
		ContentType: encoded.ContentType,
		Width:       encoded.Width,
		Height:      encoded.Height,
		Detections:  annotated.Detections,
		State:       StateActive,
		ProducedAt:  time.Now(),
	})
	l.produced.Add(1)
	l.obs.ObserveFrame(false)
	return nil
}

// sleep waits d, returning early (true) when wake fires and false when ctx ends.
func sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-wake:
		return true
	case <-ctx.Done():
		return false
	}
}
