package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joonho-lim/LarkTrain/internal/clock"
	"github.com/joonho-lim/LarkTrain/internal/domain"
	"github.com/joonho-lim/LarkTrain/internal/scheduler"
)

var kst = time.FixedZone("KST", 9*60*60)

// 18:00:00 local on a fixed day; every test derives times from here.
var now = time.Date(2025, 3, 14, 18, 0, 0, 0, kst)

type sentMessage struct {
	Recipient string
	MsgType   string
	Content   string
}

type fakeNotifier struct {
	mu      sync.Mutex
	sends   []sentMessage
	updates int
	nextID  int
}

func (f *fakeNotifier) Send(ctx context.Context, recipientID, msgType, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sends = append(f.sends, sentMessage{Recipient: recipientID, MsgType: msgType, Content: content})
	return fmt.Sprintf("om_%d", f.nextID), nil
}

func (f *fakeNotifier) Update(ctx context.Context, messageID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	return nil
}

func (f *fakeNotifier) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates
}

// textRepliesTo returns the plain text messages sent to one recipient.
func (f *fakeNotifier) textRepliesTo(openID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, send := range f.sends {
		if send.Recipient == openID && send.MsgType == domain.MsgTypeText {
			out = append(out, send.Content)
		}
	}
	return out
}

type fakeDirectory map[string]string

func (f fakeDirectory) LookupUser(ctx context.Context, openID string) (string, error) {
	name, ok := f[openID]
	if !ok {
		return "", fmt.Errorf("unknown user %s", openID)
	}
	return name, nil
}

type staticAudience []string

func (a staticAudience) Recipients(ctx context.Context) ([]string, error) {
	return a, nil
}

type fakeHistory struct {
	mu      sync.Mutex
	records []*domain.TrainRecord
}

func (f *fakeHistory) Create(ctx context.Context, record *domain.TrainRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	return nil
}

func (f *fakeHistory) Recent(ctx context.Context, limit int) ([]*domain.TrainRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records, nil
}

type fixture struct {
	dispatcher *Dispatcher
	sched      *scheduler.Scheduler
	clock      *clock.Fake
	notifier   *fakeNotifier
	history    *fakeHistory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fake := clock.NewFake(now)
	sched := scheduler.New(fake, logger)
	t.Cleanup(sched.Stop)

	notifier := &fakeNotifier{}
	history := &fakeHistory{}
	directory := fakeDirectory{
		"ou_issuer": "Hana",
		"ou_bob":    "Bob",
		"ou_carol":  "Carol",
	}
	cfg := Config{
		PollDelay:    5 * time.Second,
		ReminderLead: 10 * time.Minute,
		ClearLag:     15 * time.Minute,
		Location:     kst,
	}
	dispatcher := NewDispatcher(cfg, sched, notifier, directory,
		staticAudience{"ou_issuer", "ou_bob", "ou_carol"},
		fake, logger, WithHistory(history))

	return &fixture{
		dispatcher: dispatcher,
		sched:      sched,
		clock:      fake,
		notifier:   notifier,
		history:    history,
	}
}

var issuer = domain.Passenger{OpenID: "ou_issuer", Name: "Hana"}

func TestCreateDerivesMilestones(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if err := f.dispatcher.Create(context.Background(), "Gangnam", "18:30", issuer); err != nil {
		t.Fatalf("create: %v", err)
	}

	train := f.dispatcher.Active()
	if train == nil {
		t.Fatalf("expected an active train")
	}

	times := train.Times()
	wantPoll := now.Add(5 * time.Second)
	wantReminder := time.Date(2025, 3, 14, 18, 20, 0, 0, kst)
	wantClear := time.Date(2025, 3, 14, 18, 45, 0, 0, kst)
	if !times.Poll.Equal(wantPoll) {
		t.Fatalf("poll time: want %v, got %v", wantPoll, times.Poll)
	}
	if !times.Reminder.Equal(wantReminder) {
		t.Fatalf("reminder time: want %v, got %v", wantReminder, times.Reminder)
	}
	if !times.Clear.Equal(wantClear) {
		t.Fatalf("clear time: want %v, got %v", wantClear, times.Clear)
	}
	if jobs := f.sched.Jobs(); len(jobs) != 3 {
		t.Fatalf("expected 3 scheduled callbacks, got %d", len(jobs))
	}

	// Exactly one onboarding broadcast fires at poll time.
	f.clock.Advance(5 * time.Second)
	if train.State() != domain.StateOnboarding {
		t.Fatalf("expected onboarding after poll time, got %s", train.State())
	}
	if len(f.notifier.sends) != 3 {
		t.Fatalf("expected one card per audience member, got %d", len(f.notifier.sends))
	}
}

func TestSecondCreateIsRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	if err := f.dispatcher.Create(ctx, "Gangnam", "18:30", issuer); err != nil {
		t.Fatalf("first create: %v", err)
	}
	first := f.dispatcher.Active()

	err := f.dispatcher.Create(ctx, "Yeouido", "19:00", domain.Passenger{OpenID: "ou_bob", Name: "Bob"})
	var activeErr *domain.ActiveTrainError
	if !errors.As(err, &activeErr) {
		t.Fatalf("expected ActiveTrainError, got %v", err)
	}
	if activeErr.Destination != "Gangnam" {
		t.Fatalf("rejection must reference the running train, got %q", activeErr.Destination)
	}

	// The requester is told what is already running.
	replies := f.notifier.textRepliesTo("ou_bob")
	if len(replies) != 1 || !strings.Contains(replies[0], "Gangnam") || !strings.Contains(replies[0], "18:30") {
		t.Fatalf("expected a reply naming Gangnam at 18:30, got %v", replies)
	}

	if f.dispatcher.Active() != first {
		t.Fatalf("the running train must be untouched")
	}
	if first.State() != domain.StateCreated {
		t.Fatalf("the running train must be unchanged, got %s", first.State())
	}
}

func TestCreateRejectsImpossibleTiming(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	// 17:00 is already past: the reminder would precede the poll.
	err := f.dispatcher.Create(context.Background(), "Gangnam", "17:00", issuer)
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if f.dispatcher.Active() != nil {
		t.Fatalf("slot must stay empty on validation failure")
	}
	if replies := f.notifier.textRepliesTo("ou_issuer"); len(replies) != 1 {
		t.Fatalf("expected one explanatory reply, got %v", replies)
	}
}

func TestCreateRollsBackOnSchedulingFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sched.Stop()

	err := f.dispatcher.Create(context.Background(), "Gangnam", "18:30", issuer)
	var schedErr *domain.SchedulingError
	if !errors.As(err, &schedErr) {
		t.Fatalf("expected SchedulingError, got %v", err)
	}
	if f.dispatcher.Active() != nil {
		t.Fatalf("slot must stay empty when registration fails")
	}
}

func TestRosterActionWithoutTrain(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	err := f.dispatcher.RosterAction(context.Background(), "ou_bob", "on")
	if !errors.Is(err, domain.ErrNoActiveTrain) {
		t.Fatalf("expected ErrNoActiveTrain, got %v", err)
	}
}

func TestNonIssuerCancelRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	if err := f.dispatcher.Create(ctx, "Gangnam", "18:30", issuer); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.clock.Advance(5 * time.Second)
	train := f.dispatcher.Active()

	err := f.dispatcher.RosterAction(ctx, "ou_bob", "cancel")
	if !errors.Is(err, domain.ErrNotIssuer) {
		t.Fatalf("expected ErrNotIssuer, got %v", err)
	}
	if f.dispatcher.Active() != train {
		t.Fatalf("slot must be untouched")
	}
	if train.State() != domain.StateOnboarding {
		t.Fatalf("train must stay onboarding, got %s", train.State())
	}
	if replies := f.notifier.textRepliesTo("ou_bob"); len(replies) != 1 {
		t.Fatalf("expected one rejection reply, got %v", replies)
	}
}

func TestIssuerCancelVacatesSlotAndPreemptsCallbacks(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	if err := f.dispatcher.Create(ctx, "Gangnam", "18:30", issuer); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.clock.Advance(5 * time.Second)
	train := f.dispatcher.Active()

	if err := f.dispatcher.RosterAction(ctx, "ou_issuer", "cancel"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if train.State() != domain.StateCancelled {
		t.Fatalf("expected cancelled, got %s", train.State())
	}
	if f.dispatcher.Active() != nil {
		t.Fatalf("slot must be vacated")
	}
	if jobs := f.sched.Jobs(); len(jobs) != 0 {
		t.Fatalf("pending callbacks must be cancelled, got %d", len(jobs))
	}

	// Late reminder/clear instants pass without further notifications.
	updates := f.notifier.updateCount()
	f.clock.Advance(time.Hour)
	if f.notifier.updateCount() != updates {
		t.Fatalf("cancelled train must not notify again")
	}

	if len(f.history.records) != 1 || f.history.records[0].Outcome != domain.OutcomeCancelled {
		t.Fatalf("expected one cancelled history record, got %+v", f.history.records)
	}
}

func TestFullLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	if err := f.dispatcher.HandleMessage(ctx, "ou_issuer", "Gangnam 18:30"); err != nil {
		t.Fatalf("handle message: %v", err)
	}
	train := f.dispatcher.Active()
	if train == nil {
		t.Fatalf("expected an active train")
	}
	if train.Issuer() != issuer {
		t.Fatalf("expected issuer %+v, got %+v", issuer, train.Issuer())
	}

	f.clock.Advance(5 * time.Second)
	if train.State() != domain.StateOnboarding {
		t.Fatalf("expected onboarding, got %s", train.State())
	}

	if err := f.dispatcher.RosterAction(ctx, "ou_bob", "on"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := f.dispatcher.RosterAction(ctx, "ou_carol", "on"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := f.dispatcher.RosterAction(ctx, "ou_bob", "off"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	roster := train.Roster()
	if len(roster) != 1 || roster[0].Name != "Carol" {
		t.Fatalf("expected roster [Carol], got %v", roster)
	}

	f.clock.Advance(20 * time.Minute) // 18:20
	if train.State() != domain.StateReminding {
		t.Fatalf("expected reminding at 18:20, got %s", train.State())
	}

	f.clock.Advance(25 * time.Minute) // 18:45
	if train.State() != domain.StateCleared {
		t.Fatalf("expected cleared at 18:45, got %s", train.State())
	}
	if f.dispatcher.Active() != nil {
		t.Fatalf("slot must be vacated after clear")
	}

	if len(f.history.records) != 1 {
		t.Fatalf("expected one history record, got %d", len(f.history.records))
	}
	record := f.history.records[0]
	if record.Outcome != domain.OutcomeDeparted || record.Destination != "Gangnam" || record.Passengers != 1 {
		t.Fatalf("unexpected history record %+v", record)
	}
}

func TestHandleMessageRelaysExtractionFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if err := f.dispatcher.HandleMessage(context.Background(), "ou_bob", "lunch anyone?"); err != nil {
		t.Fatalf("extraction failure must be swallowed, got %v", err)
	}
	if f.dispatcher.Active() != nil {
		t.Fatalf("no train must be created")
	}
	if replies := f.notifier.textRepliesTo("ou_bob"); len(replies) != 1 {
		t.Fatalf("expected the extraction message to be relayed, got %v", replies)
	}
}

func TestUnknownRosterAction(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if err := f.dispatcher.Create(context.Background(), "Gangnam", "18:30", issuer); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := f.dispatcher.RosterAction(context.Background(), "ou_bob", "maybe")
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}
