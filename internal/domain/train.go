package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joonho-lim/LarkTrain/internal/messages"
)

const (
	MsgTypeText        = "text"
	MsgTypeInteractive = "interactive"
)

// minReminderGap is the smallest allowed distance between poll time and
// reminder time. A reminder scheduled before onboarding has even opened
// is meaningless, so creation rejects such timings outright.
const minReminderGap = time.Minute

const defaultSendTimeout = 10 * time.Second

// Notifier delivers and edits chat messages. Send returns the platform
// message id so the same message can be edited later instead of resent.
type Notifier interface {
	Send(ctx context.Context, recipientID, msgType, content string) (string, error)
	Update(ctx context.Context, messageID, content string) error
}

// Buzzer is an optional Notifier capability: an urgent ping attached to
// an already-delivered message. Used at reminder time.
type Buzzer interface {
	Buzz(ctx context.Context, messageID string, openIDs []string) error
}

// Audience resolves the recipients of a broadcast. Depending on
// deployment this is a fixed group chat or a department roster; the
// train does not care which.
type Audience interface {
	Recipients(ctx context.Context) ([]string, error)
}

type TrainState string

const (
	StateCreated    TrainState = "created"
	StateOnboarding TrainState = "onboarding"
	StateReminding  TrainState = "reminding"
	StateCleared    TrainState = "cleared"
	StateCancelled  TrainState = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s TrainState) Terminal() bool {
	return s == StateCleared || s == StateCancelled
}

// TrainTimes holds a train's four milestones in the configured
// timezone. Launch is the departure instant; the other three drive the
// scheduled transitions.
type TrainTimes struct {
	Launch   time.Time
	Poll     time.Time
	Reminder time.Time
	Clear    time.Time
}

// Validate enforces poll + gap <= reminder < clear. Offsets that place
// the reminder before onboarding opens, or the clear before the
// reminder, make the lifecycle nonsensical and are rejected at
// creation time.
func (tt TrainTimes) Validate() error {
	if tt.Reminder.Before(tt.Poll.Add(minReminderGap)) {
		return &ValidationError{Msg: fmt.Sprintf(
			"departure at %s is too soon: the reminder (%s) would fire before boarding opens",
			tt.Launch.Format("15:04"), tt.Reminder.Format("15:04"))}
	}
	if !tt.Reminder.Before(tt.Clear) {
		return &ValidationError{Msg: fmt.Sprintf(
			"invalid timing: clear time %s is not after reminder time %s",
			tt.Clear.Format("15:04"), tt.Reminder.Format("15:04"))}
	}
	return nil
}

// Train is one coordinated group departure, from creation to clear or
// cancel. All state transitions are serialized; roster mutations and
// message-id bookkeeping are guarded separately so notifier calls
// happen outside the field lock.
type Train struct {
	destination string
	issuer      Passenger
	times       TrainTimes

	notifier    Notifier
	audience    Audience
	logger      *slog.Logger
	sendTimeout time.Duration

	// transMu serializes transitions so e.g. a late Onboard retry can
	// never interleave with Remind on the same train.
	transMu sync.Mutex

	// mu guards state, roster and messageRefs. Never held across a
	// notifier call.
	mu          sync.Mutex
	state       TrainState
	roster      []Passenger
	messageRefs map[string]string
}

// NewTrain builds a train in the Created state with an empty roster.
// The caller is expected to have validated times already.
func NewTrain(destination string, issuer Passenger, times TrainTimes, notifier Notifier, audience Audience, logger *slog.Logger) *Train {
	return &Train{
		destination: destination,
		issuer:      issuer,
		times:       times,
		notifier:    notifier,
		audience:    audience,
		logger:      logger,
		sendTimeout: defaultSendTimeout,
		state:       StateCreated,
		messageRefs: make(map[string]string),
	}
}

func (t *Train) Destination() string { return t.destination }
func (t *Train) Issuer() Passenger   { return t.issuer }
func (t *Train) Times() TrainTimes   { return t.times }

func (t *Train) State() TrainState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Roster returns the committed passengers in join order.
func (t *Train) Roster() []Passenger {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Passenger, len(t.roster))
	copy(out, t.roster)
	return out
}

// MessageRefs returns a copy of the recipient-to-message-id mapping.
func (t *Train) MessageRefs() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.messageRefs))
	for k, v := range t.messageRefs {
		out[k] = v
	}
	return out
}

// Onboard posts the onboarding card to every recipient of the audience
// and records one message id per recipient. Only the Created state
// accepts it; a duplicate invocation is a no-op, so an accidentally
// double-fired scheduler job never duplicates posts.
func (t *Train) Onboard(ctx context.Context) error {
	t.transMu.Lock()
	defer t.transMu.Unlock()

	t.mu.Lock()
	if t.state != StateCreated {
		t.mu.Unlock()
		return nil
	}
	t.state = StateOnboarding
	content := t.contentLocked()
	t.mu.Unlock()

	recipients, err := t.audience.Recipients(ctx)
	if err != nil {
		// The transition is already committed; delivery just failed
		// before reaching anyone.
		return fmt.Errorf("resolve audience: %w", err)
	}

	var failures []error
	delivered := 0
	for _, recipient := range recipients {
		msgID, err := t.send(ctx, recipient, MsgTypeInteractive, content)
		if err != nil {
			failures = append(failures, err)
			t.logger.Error("onboard send failed", "recipient", recipient, "error", err)
			continue
		}
		delivered++
		t.mu.Lock()
		t.messageRefs[recipient] = msgID
		t.mu.Unlock()
	}
	return deliveryResult(delivered, failures)
}

// Join adds a passenger and pushes the updated roster to every
// recorded message. No-op if the passenger is already on board or the
// train is not accepting roster changes.
func (t *Train) Join(ctx context.Context, p Passenger) error {
	t.mu.Lock()
	if t.state != StateOnboarding && t.state != StateReminding {
		t.mu.Unlock()
		return nil
	}
	for _, q := range t.roster {
		if q.OpenID == p.OpenID {
			t.mu.Unlock()
			return nil
		}
	}
	t.roster = append(t.roster, p)
	content := t.contentLocked()
	refs := t.refsLocked()
	t.mu.Unlock()

	return t.updateAll(ctx, refs, content)
}

// Leave removes a passenger, preserving join order of the rest, and
// pushes the updated roster to every recorded message. No-op if the
// passenger is absent or the roster is frozen.
func (t *Train) Leave(ctx context.Context, p Passenger) error {
	t.mu.Lock()
	if t.state != StateOnboarding && t.state != StateReminding {
		t.mu.Unlock()
		return nil
	}
	found := false
	kept := t.roster[:0]
	for _, q := range t.roster {
		if q.OpenID == p.OpenID {
			found = true
			continue
		}
		kept = append(kept, q)
	}
	if !found {
		t.mu.Unlock()
		return nil
	}
	t.roster = kept
	content := t.contentLocked()
	refs := t.refsLocked()
	t.mu.Unlock()

	return t.updateAll(ctx, refs, content)
}

// Remind edits every recorded message into the reminder card and, when
// the notifier supports it, buzzes the passengers who joined. Legal
// only from Onboarding; anything else is a no-op.
func (t *Train) Remind(ctx context.Context) error {
	t.transMu.Lock()
	defer t.transMu.Unlock()

	t.mu.Lock()
	if t.state != StateOnboarding {
		t.mu.Unlock()
		return nil
	}
	t.state = StateReminding
	content := t.contentLocked()
	refs := t.refsLocked()
	roster := make([]Passenger, len(t.roster))
	copy(roster, t.roster)
	t.mu.Unlock()

	err := t.updateAll(ctx, refs, content)
	t.buzz(ctx, refs, roster)
	return err
}

// Clear ends the train normally: every recorded message becomes the
// departed card and the state goes terminal. Callable from any
// non-terminal state; a late duplicate firing is a no-op.
func (t *Train) Clear(ctx context.Context) error {
	t.transMu.Lock()
	defer t.transMu.Unlock()
	return t.finish(ctx, StateCleared)
}

// Cancel is Clear with an authorization gate and a distinct broadcast:
// only the issuer may cancel, anyone else gets ErrNotIssuer and the
// train is left untouched.
func (t *Train) Cancel(ctx context.Context, requester Passenger) error {
	if requester.OpenID != t.issuer.OpenID {
		return ErrNotIssuer
	}
	t.transMu.Lock()
	defer t.transMu.Unlock()
	return t.finish(ctx, StateCancelled)
}

func (t *Train) finish(ctx context.Context, terminal TrainState) error {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return nil
	}
	t.state = terminal
	content := t.contentLocked()
	refs := t.refsLocked()
	t.mu.Unlock()

	return t.updateAll(ctx, refs, content)
}

// contentLocked renders the broadcast for the current state. Callers
// must hold mu.
func (t *Train) contentLocked() string {
	launch := t.times.Launch.Format("15:04")
	names := make([]string, len(t.roster))
	for i, p := range t.roster {
		names[i] = p.Name
	}
	switch t.state {
	case StateReminding:
		return messages.Reminder(t.destination, launch, names)
	case StateCleared:
		return messages.Departed(t.destination, launch, names)
	case StateCancelled:
		return messages.Cancelled(t.destination, launch)
	default:
		return messages.Onboard(t.issuer.Name, t.destination, launch, names)
	}
}

func (t *Train) refsLocked() map[string]string {
	refs := make(map[string]string, len(t.messageRefs))
	for k, v := range t.messageRefs {
		refs[k] = v
	}
	return refs
}

func (t *Train) send(ctx context.Context, recipient, msgType, content string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.sendTimeout)
	defer cancel()
	msgID, err := t.notifier.Send(ctx, recipient, msgType, content)
	if err != nil {
		return "", &NotificationError{RecipientID: recipient, Err: err}
	}
	return msgID, nil
}

// updateAll edits every recorded message to the given content. Partial
// delivery counts as success for the transition; per-recipient
// failures are logged. Only total failure surfaces as an error.
func (t *Train) updateAll(ctx context.Context, refs map[string]string, content string) error {
	var failures []error
	delivered := 0
	for recipient, msgID := range refs {
		updCtx, cancel := context.WithTimeout(ctx, t.sendTimeout)
		err := t.notifier.Update(updCtx, msgID, content)
		cancel()
		if err != nil {
			failures = append(failures, &NotificationError{RecipientID: recipient, Err: err})
			t.logger.Error("update failed", "recipient", recipient, "message_id", msgID, "error", err)
			continue
		}
		delivered++
	}
	return deliveryResult(delivered, failures)
}

func (t *Train) buzz(ctx context.Context, refs map[string]string, roster []Passenger) {
	buzzer, ok := t.notifier.(Buzzer)
	if !ok {
		return
	}
	for _, p := range roster {
		msgID, ok := refs[p.OpenID]
		if !ok {
			continue
		}
		buzzCtx, cancel := context.WithTimeout(ctx, t.sendTimeout)
		err := buzzer.Buzz(buzzCtx, msgID, []string{p.OpenID})
		cancel()
		if err != nil {
			t.logger.Warn("buzz failed", "open_id", p.OpenID, "error", err)
		}
	}
}

// deliveryResult implements the partial-delivery policy: a broadcast
// that reached at least one recipient succeeded even if others failed.
func deliveryResult(delivered int, failures []error) error {
	if delivered == 0 && len(failures) > 0 {
		return errors.Join(failures...)
	}
	return nil
}
