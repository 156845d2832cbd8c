// Package delivery fans a completed artifact out to a schedule's targets.
// Targets are independent: one failing never blocks or fails another.
package delivery

import (
	"context"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"artifactd/internal/eventbus"
	"artifactd/internal/schedule"
	"artifactd/internal/store"
	logx "artifactd/pkg/logx"
)

// Request is one artifact bound for one target.
type Request struct {
	Schedule *schedule.Definition
	Run      *schedule.Run
	Artifact *schedule.Artifact
	Target   schedule.Target
	// Open re-opens the payload; each send attempt gets a fresh reader.
	Open func() (io.ReadCloser, error)
}

// Sender delivers to one target type.
type Sender interface {
	Type() schedule.TargetType
	Send(ctx context.Context, req Request) error
}

// Config bounds per-target retry behavior.
type Config struct {
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

type Service struct {
	cfg     Config
	store   *store.Store
	log     logx.Logger
	bus     eventbus.Bus
	senders map[schedule.TargetType]Sender
}

func New(cfg Config, st *store.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		store:   st,
		log:     log,
		bus:     bus,
		senders: make(map[schedule.TargetType]Sender),
	}
}

// Register binds a sender for its target type.
func (s *Service) Register(snd Sender) {
	s.senders[snd.Type()] = snd
}

// Deliver sends the artifact to every target concurrently and blocks
// until all targets reach a final outcome. Outcomes are persisted per
// target; the overall run status is not affected by delivery failures.
func (s *Service) Deliver(ctx context.Context, def *schedule.Definition, run *schedule.Run, art *schedule.Artifact, open func() (io.ReadCloser, error)) {
	if len(def.Targets) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, tgt := range def.Targets {
		tgt := tgt
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.deliverOne(ctx, Request{
				Schedule: def, Run: run, Artifact: art, Target: tgt, Open: open,
			})
		}()
	}
	wg.Wait()
}

func (s *Service) deliverOne(ctx context.Context, req Request) {
	rec := &schedule.Delivery{
		RunID:  req.Run.ID,
		Target: req.Target,
		Status: schedule.DeliveryPending,
	}

	snd, ok := s.senders[req.Target.Type]
	if !ok {
		rec.Status = schedule.DeliveryFailed
		rec.Error = "no sender configured for target type " + string(req.Target.Type)
		rec.UpdatedAt = time.Now()
		s.persist(ctx, rec)
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var err error
	for attempt := 1; attempt <= 1+s.cfg.RetryMax; attempt++ {
		rec.Attempts = attempt
		s.publishAttempt(req, attempt)
		err = snd.Send(ctx, req)
		if err == nil {
			break
		}
		if !schedule.Retryable(err) || attempt > s.cfg.RetryMax {
			break
		}
		delay := deliveryBackoff(s.cfg, attempt, rng)
		s.log.Debug("delivery retry scheduled",
			logx.String("run", req.Run.ID),
			logx.String("target", string(req.Target.Type)),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(err))
		select {
		case <-ctx.Done():
			err = ctx.Err()
			attempt = 1 + s.cfg.RetryMax
		case <-time.After(delay):
		}
	}

	rec.UpdatedAt = time.Now()
	if err != nil {
		rec.Status = schedule.DeliveryFailed
		rec.Error = err.Error()
		s.log.Warn("delivery failed",
			logx.String("run", req.Run.ID),
			logx.String("target", string(req.Target.Type)),
			logx.String("addr", req.Target.Address),
			logx.Int("attempts", rec.Attempts),
			logx.Err(err))
	} else {
		rec.Status = schedule.DeliveryDelivered
		rec.Error = ""
		s.log.Info("delivered",
			logx.String("run", req.Run.ID),
			logx.String("target", string(req.Target.Type)),
			logx.Int("attempts", rec.Attempts))
	}
	s.persist(ctx, rec)
	s.publishFinished(req, rec)
}

func (s *Service) persist(ctx context.Context, rec *schedule.Delivery) {
	if s.store == nil {
		return
	}
	// Persist with a detached context so shutdown still records outcomes.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.UpsertDelivery(pctx, rec); err != nil {
		s.log.Warn("delivery record write failed", logx.String("run", rec.RunID), logx.Err(err))
	}
}

func (s *Service) publishAttempt(req Request, attempt int) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.EventDeliveryAttempt, Time: time.Now(), Data: map[string]any{
		"run_id": req.Run.ID, "target": string(req.Target.Type), "attempt": attempt,
	}})
}

func (s *Service) publishFinished(req Request, rec *schedule.Delivery) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.EventDeliveryFinished, Time: time.Now(), Data: map[string]any{
		"run_id": req.Run.ID, "target": string(req.Target.Type),
		"status": string(rec.Status), "attempts": rec.Attempts,
	}})
}

func deliveryBackoff(cfg Config, retry int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// 20% jitter spreads retries from simultaneous fan-outs.
	r := (rng.Float64()*2 - 1) * 0.2
	d = time.Duration(float64(d) * (1 + r))
	if d < 0 {
		d = 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

var errNoPayload = errors.New("artifact payload unavailable")
