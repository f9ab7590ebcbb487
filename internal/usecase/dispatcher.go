// Package usecase wires inbound chat events to the train lifecycle.
//
// The dispatcher owns the single active-train slot. All engine state is
// in memory: a process restart loses the in-flight train and its
// pending callbacks. That is a known, accepted limitation of the
// deployment, not something the dispatcher tries to paper over.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joonho-lim/LarkTrain/internal/clock"
	"github.com/joonho-lim/LarkTrain/internal/domain"
	"github.com/joonho-lim/LarkTrain/internal/keyword"
	"github.com/joonho-lim/LarkTrain/internal/messages"
	"github.com/joonho-lim/LarkTrain/internal/scheduler"
)

const recordTimeout = 5 * time.Second

// Config holds the three timing offsets and the timezone every train
// is localized to.
type Config struct {
	PollDelay    time.Duration
	ReminderLead time.Duration
	ClearLag     time.Duration
	Location     *time.Location
}

// UserDirectory resolves an open id to a display name.
type UserDirectory interface {
	LookupUser(ctx context.Context, openID string) (string, error)
}

// Dispatcher decodes inbound intents and drives the active train. It
// enforces the single-active-train invariant: the slot holds zero or
// one train, creation while occupied is rejected, and the slot is
// vacated exactly once when the train goes terminal.
type Dispatcher struct {
	cfg      Config
	sched    *scheduler.Scheduler
	notifier domain.Notifier
	users    UserDirectory
	audience domain.Audience
	history  domain.TrainHistoryRepository
	clock    clock.Clock
	logger   *slog.Logger

	mu     sync.Mutex
	active *domain.Train
	jobs   []string
}

type Option func(*Dispatcher)

// WithHistory enables the terminal-train audit log.
func WithHistory(repo domain.TrainHistoryRepository) Option {
	return func(d *Dispatcher) {
		d.history = repo
	}
}

func NewDispatcher(cfg Config, sched *scheduler.Scheduler, notifier domain.Notifier, users UserDirectory, audience domain.Audience, clk clock.Clock, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg,
		sched:    sched,
		notifier: notifier,
		users:    users,
		audience: audience,
		clock:    clk,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HandleMessage processes one free-text chat message. Extraction
// failures are relayed to the sender and swallowed; anything that
// extracts cleanly becomes a create request.
func (d *Dispatcher) HandleMessage(ctx context.Context, senderID, text string) error {
	req, err := keyword.Detect(text)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			d.reply(ctx, senderID, verr.Msg)
			return nil
		}
		return err
	}

	name, err := d.users.LookupUser(ctx, senderID)
	if err != nil {
		return fmt.Errorf("lookup sender %s: %w", senderID, err)
	}
	return d.Create(ctx, req.Destination, req.Time, domain.Passenger{OpenID: senderID, Name: name})
}

// Create validates timing, occupies the slot and registers the three
// lifecycle callbacks against the new train. If any registration
// fails, the ones already made are cancelled and the slot stays empty.
func (d *Dispatcher) Create(ctx context.Context, destination, launchHHMM string, issuer domain.Passenger) error {
	times, err := d.trainTimes(launchHHMM)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			d.reply(ctx, issuer.OpenID, verr.Msg)
		}
		return err
	}

	d.mu.Lock()

	if d.active != nil {
		activeErr := &domain.ActiveTrainError{
			Destination: d.active.Destination(),
			LaunchTime:  d.active.Times().Launch,
		}
		d.mu.Unlock()
		d.reply(ctx, issuer.OpenID, activeErr.Error())
		return activeErr
	}

	train := domain.NewTrain(destination, issuer, times, d.notifier, d.audience, d.logger)

	var ids []string
	register := func(op string, at time.Time, fn func()) error {
		id, err := d.sched.Schedule(at, fn)
		if err != nil {
			for _, prev := range ids {
				d.sched.Cancel(prev)
			}
			return &domain.SchedulingError{Op: op, Err: err}
		}
		ids = append(ids, id)
		return nil
	}

	// Each callback is bound to this train instance and rechecks that
	// it still occupies the slot, so a callback that outlives a cancel
	// is a no-op.
	if err := register("onboard", times.Poll, func() { d.fireOnboard(train) }); err != nil {
		d.mu.Unlock()
		return err
	}
	if err := register("remind", times.Reminder, func() { d.fireRemind(train) }); err != nil {
		d.mu.Unlock()
		return err
	}
	if err := register("clear", times.Clear, func() { d.fireClear(train) }); err != nil {
		d.mu.Unlock()
		return err
	}

	d.active = train
	d.jobs = ids
	d.mu.Unlock()

	d.logger.Info("train issued",
		"destination", destination,
		"issuer", issuer.Name,
		"launch", times.Launch.Format("15:04"),
		"poll_at", times.Poll,
		"reminder_at", times.Reminder,
		"clear_at", times.Clear,
	)
	return nil
}

// RosterAction applies a card button press (on, off or cancel) from
// userID to the active train.
func (d *Dispatcher) RosterAction(ctx context.Context, userID, action string) error {
	train := d.activeTrain()
	if train == nil {
		return domain.ErrNoActiveTrain
	}

	name, err := d.users.LookupUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("lookup user %s: %w", userID, err)
	}
	p := domain.Passenger{OpenID: userID, Name: name}

	switch action {
	case messages.ActionOn:
		return train.Join(ctx, p)
	case messages.ActionOff:
		return train.Leave(ctx, p)
	case messages.ActionCancel:
		err := train.Cancel(ctx, p)
		if errors.Is(err, domain.ErrNotIssuer) {
			d.reply(ctx, userID, "Only the issuer can cancel the train.")
			return err
		}
		if err != nil {
			// Delivery failure only: the cancel itself committed.
			d.logger.Error("cancel broadcast failed", "destination", train.Destination(), "error", err)
		}
		d.finish(train, domain.OutcomeCancelled)
		return nil
	default:
		return &domain.ValidationError{Msg: fmt.Sprintf("unknown action %q", action)}
	}
}

// Active returns the train currently occupying the slot, or nil.
func (d *Dispatcher) Active() *domain.Train {
	return d.activeTrain()
}

func (d *Dispatcher) fireOnboard(train *domain.Train) {
	if !d.isActive(train) {
		return
	}
	if err := train.Onboard(context.Background()); err != nil {
		d.logger.Error("onboarding broadcast failed", "destination", train.Destination(), "error", err)
	}
}

func (d *Dispatcher) fireRemind(train *domain.Train) {
	if !d.isActive(train) {
		return
	}
	if err := train.Remind(context.Background()); err != nil {
		d.logger.Error("reminder broadcast failed", "destination", train.Destination(), "error", err)
	}
}

func (d *Dispatcher) fireClear(train *domain.Train) {
	if !d.isActive(train) {
		return
	}
	if err := train.Clear(context.Background()); err != nil {
		d.logger.Error("clear broadcast failed", "destination", train.Destination(), "error", err)
	}
	d.finish(train, domain.OutcomeDeparted)
}

// finish vacates the slot if train still holds it, cancels its
// remaining callbacks and writes the audit record. Safe to call from
// both the scheduled clear and an issuer cancel; only the first wins.
func (d *Dispatcher) finish(train *domain.Train, outcome string) {
	d.mu.Lock()
	if d.active != train {
		d.mu.Unlock()
		return
	}
	d.active = nil
	jobs := d.jobs
	d.jobs = nil
	d.mu.Unlock()

	for _, id := range jobs {
		d.sched.Cancel(id)
	}
	d.logger.Info("train finished", "destination", train.Destination(), "outcome", outcome)
	d.record(train, outcome)
}

func (d *Dispatcher) record(train *domain.Train, outcome string) {
	if d.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	record := &domain.TrainRecord{
		Destination: train.Destination(),
		LaunchTime:  train.Times().Launch,
		IssuerID:    train.Issuer().OpenID,
		IssuerName:  train.Issuer().Name,
		Passengers:  len(train.Roster()),
		Outcome:     outcome,
	}
	if err := d.history.Create(ctx, record); err != nil {
		d.logger.Error("record train history failed", "destination", record.Destination, "error", err)
	}
}

// trainTimes localizes HH:MM to today in the configured timezone and
// derives the three milestones from the configured offsets.
func (d *Dispatcher) trainTimes(launchHHMM string) (domain.TrainTimes, error) {
	parsed, err := time.Parse("15:04", launchHHMM)
	if err != nil {
		return domain.TrainTimes{}, &domain.ValidationError{
			Msg: fmt.Sprintf("%q is not a valid departure time, use HH:MM", launchHHMM),
		}
	}

	now := d.clock.Now().In(d.cfg.Location)
	launch := time.Date(now.Year(), now.Month(), now.Day(), parsed.Hour(), parsed.Minute(), 0, 0, d.cfg.Location)

	times := domain.TrainTimes{
		Launch:   launch,
		Poll:     now.Add(d.cfg.PollDelay),
		Reminder: launch.Add(-d.cfg.ReminderLead),
		Clear:    launch.Add(d.cfg.ClearLag),
	}
	if err := times.Validate(); err != nil {
		return domain.TrainTimes{}, err
	}
	return times, nil
}

func (d *Dispatcher) reply(ctx context.Context, openID, text string) {
	if _, err := d.notifier.Send(ctx, openID, domain.MsgTypeText, messages.Text(text)); err != nil {
		d.logger.Error("reply failed", "open_id", openID, "error", err)
	}
}

func (d *Dispatcher) activeTrain() *domain.Train {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *Dispatcher) isActive(train *domain.Train) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active == train
}
