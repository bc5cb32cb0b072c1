package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/EternisAI/silo-monitor/internal/events"
	retry "github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

var (
	ErrDeliveryFailed   = errors.New("delivery failed")
	ErrTimeoutExceeded  = errors.New("delivery timeout exceeded")
	ErrChannelNotFound  = errors.New("channel not found")
	ErrMessageNotFound  = errors.New("message not found")
	ErrDeliveryNotFound = errors.New("delivery not found")
	ErrNotReplayable    = errors.New("delivery is not in a replayable state")
	ErrNotAccepted      = errors.New("channel did not accept message")
)

const (
	DefaultHistorySize    = 500
	DefaultAttemptTimeout = 10 * time.Second
)

type registeredChannel struct {
	name    string
	channel Channel
	policy  Policy
}

type messageState struct {
	msg        Message
	deliveries []*Delivery
}

// Dispatcher fans a message out to channels. Each channel delivery runs in
// its own goroutine with its own retry state, so a slow or failing channel
// never holds up the others.
type Dispatcher struct {
	mu         sync.RWMutex
	channels   map[string]*registeredChannel
	messages   map[string]*messageState
	deliveries map[string]*Delivery
	order      []string

	historySize int
	recorder    Recorder
	bus         *events.Bus
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Dispatcher)

func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

func WithHistorySize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.historySize = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(bus *events.Bus, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		channels:    make(map[string]*registeredChannel),
		messages:    make(map[string]*messageState),
		deliveries:  make(map[string]*Delivery),
		historySize: DefaultHistorySize,
		bus:         bus,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AddChannel registers ch under name, replacing any channel of that name.
func (d *Dispatcher) AddChannel(name string, ch Channel, policy Policy) error {
	if name == "" {
		return fmt.Errorf("channel name is required")
	}
	if err := policy.Backoff.Validate(); err != nil {
		return fmt.Errorf("channel %s: %w", name, err)
	}
	if policy.Timeout <= 0 {
		policy.Timeout = DefaultAttemptTimeout
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.channels[name] = &registeredChannel{name: name, channel: ch, policy: policy}
	slog.Info("Notification channel registered",
		"channel", name,
		"timeout", policy.Timeout,
		"max_attempts", policy.Backoff.Attempts())
	return nil
}

func (d *Dispatcher) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.channels))
	for name := range d.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Publish records msg and starts one delivery per target channel. It returns
// once deliveries are scheduled; outcomes are observed through Deliveries.
func (d *Dispatcher) Publish(ctx context.Context, msg Message, targets []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = d.now()
	}
	if msg.Priority == "" {
		msg.Priority = PriorityNormal
	}

	d.mu.Lock()

	if _, exists := d.messages[msg.ID]; exists {
		d.mu.Unlock()
		return "", fmt.Errorf("message %s already published", msg.ID)
	}

	targets = dedupe(targets)
	chans := make([]*registeredChannel, 0, len(targets))
	for _, name := range targets {
		ch, ok := d.channels[name]
		if !ok {
			d.mu.Unlock()
			return "", fmt.Errorf("%w: %s", ErrChannelNotFound, name)
		}
		chans = append(chans, ch)
	}

	now := d.now()
	state := &messageState{msg: msg}
	for _, ch := range chans {
		del := &Delivery{
			ID:        uuid.New().String(),
			MessageID: msg.ID,
			Channel:   ch.name,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		state.deliveries = append(state.deliveries, del)
		d.deliveries[del.ID] = del
	}
	d.messages[msg.ID] = state
	d.order = append(d.order, msg.ID)
	d.evictLocked()

	pending := make([]Delivery, len(state.deliveries))
	for i, del := range state.deliveries {
		pending[i] = snapshot(del)
	}
	d.mu.Unlock()

	slog.Info("Notification published",
		"message_id", msg.ID,
		"title", msg.Title,
		"channels", len(chans))

	for i, ch := range chans {
		d.record(msg, pending[i])
		d.start(msg, ch, pending[i].ID)
	}
	return msg.ID, nil
}

// Replay restarts a failed delivery. Attempt numbering continues from the
// previous history.
func (d *Dispatcher) Replay(ctx context.Context, deliveryID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	del, ok := d.deliveries[deliveryID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeliveryNotFound, deliveryID)
	}
	if del.Status != StatusFailed {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotReplayable, deliveryID, del.Status)
	}
	ch, ok := d.channels[del.Channel]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChannelNotFound, del.Channel)
	}
	msg := d.messages[del.MessageID].msg

	del.Status = StatusPending
	del.LastError = ""
	del.UpdatedAt = d.now()
	snap := snapshot(del)
	d.mu.Unlock()

	slog.Info("Replaying notification delivery",
		"delivery_id", deliveryID,
		"message_id", msg.ID,
		"channel", ch.name)

	d.record(msg, snap)
	d.start(msg, ch, deliveryID)
	return nil
}

func (d *Dispatcher) start(msg Message, ch *registeredChannel, deliveryID string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(msg, ch, deliveryID)
	}()
}

func (d *Dispatcher) deliver(msg Message, ch *registeredChannel, deliveryID string) {
	strategy := ch.policy.Backoff
	base := d.attemptBase(deliveryID)

	attempt := 0
	var lastErr error
	send := func() (Status, error) {
		attempt++
		started := d.now()
		receipt, err := d.attempt(ch, msg)
		finished := d.now()

		if err == nil && !receipt.Accepted {
			err = ErrNotAccepted
		}

		if err == nil {
			status := StatusSent
			if receipt.Confirmed {
				status = StatusDelivered
			}
			d.finishAttempt(msg, deliveryID, base+attempt, started, finished, status, nil)
			return status, nil
		}
		lastErr = err

		if !strategy.ShouldRetry(attempt) {
			failure := fmt.Errorf("%w after %d attempts: %w", ErrDeliveryFailed, attempt, err)
			d.finishAttempt(msg, deliveryID, base+attempt, started, finished, StatusFailed, failure)
			d.publishFailure(msg, ch.name, deliveryID, failure)
			return StatusFailed, retry.Permanent(failure)
		}

		d.finishAttempt(msg, deliveryID, base+attempt, started, finished, StatusPending, err)
		return StatusPending, err
	}

	status, err := retry.Retry(d.ctx, send,
		retry.WithBackOff(strategy.BackOff()),
		retry.WithMaxElapsedTime(0),
		retry.WithNotify(func(err error, delay time.Duration) {
			slog.Warn("Notification attempt failed, retrying",
				"message_id", msg.ID,
				"channel", ch.name,
				"attempt", attempt,
				"delay", delay,
				"error", err)
		}),
	)

	switch {
	case err == nil:
		slog.Debug("Notification delivered",
			"message_id", msg.ID,
			"channel", ch.name,
			"status", status,
			"attempt", attempt)
	case errors.Is(err, ErrDeliveryFailed):
		// the final attempt recorded the failure
	default:
		failure := fmt.Errorf("%w: dispatcher stopped: %w", ErrDeliveryFailed, lastErr)
		d.finishAttempt(msg, deliveryID, 0, time.Time{}, d.now(), StatusFailed, failure)
		d.publishFailure(msg, ch.name, deliveryID, failure)
	}
}

type sendResult struct {
	receipt Receipt
	err     error
}

// attempt runs one send bounded by the channel timeout. A channel that
// ignores ctx is abandoned when the timeout fires.
func (d *Dispatcher) attempt(ch *registeredChannel, msg Message) (Receipt, error) {
	ctx, cancel := context.WithTimeout(d.ctx, ch.policy.Timeout)
	defer cancel()

	done := make(chan sendResult, 1)
	go func() {
		receipt, err := ch.channel.Send(ctx, msg)
		done <- sendResult{receipt: receipt, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) {
			return res.receipt, fmt.Errorf("%w: %s", ErrTimeoutExceeded, ch.policy.Timeout)
		}
		return res.receipt, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Receipt{}, fmt.Errorf("%w: %s", ErrTimeoutExceeded, ch.policy.Timeout)
		}
		return Receipt{}, ctx.Err()
	}
}

func (d *Dispatcher) attemptBase(deliveryID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if del, ok := d.deliveries[deliveryID]; ok {
		return del.Attempts
	}
	return 0
}

// finishAttempt records an attempt outcome. number 0 updates the status
// without appending an attempt.
func (d *Dispatcher) finishAttempt(msg Message, deliveryID string, number int, started, finished time.Time, status Status, attemptErr error) {
	d.mu.Lock()
	del, ok := d.deliveries[deliveryID]
	if !ok {
		d.mu.Unlock()
		return
	}

	if number > 0 {
		a := Attempt{Number: number, StartedAt: started, FinishedAt: finished}
		if attemptErr != nil {
			a.Error = attemptErr.Error()
		}
		del.History = append(del.History, a)
		del.Attempts = number
	}
	del.Status = status
	if attemptErr != nil {
		del.LastError = attemptErr.Error()
	} else {
		del.LastError = ""
	}
	del.UpdatedAt = finished
	snap := snapshot(del)
	d.mu.Unlock()

	if status.Terminal() {
		d.record(msg, snap)
	}
}

func (d *Dispatcher) publishFailure(msg Message, channel, deliveryID string, err error) {
	slog.Error("Notification delivery failed",
		"message_id", msg.ID,
		"delivery_id", deliveryID,
		"channel", channel,
		"error", err)

	if d.bus == nil {
		return
	}
	d.bus.Publish(events.Event{
		Type:      events.NotificationFailed,
		MessageID: msg.ID,
		Reason:    err.Error(),
		Time:      d.now(),
		Attrs: map[string]string{
			"channel":     channel,
			"delivery_id": deliveryID,
			"source":      msg.Source,
			"title":       msg.Title,
		},
	})
}

func (d *Dispatcher) record(msg Message, del Delivery) {
	if d.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.recorder.RecordDelivery(ctx, msg, del); err != nil {
		slog.Warn("Failed to record notification delivery",
			"delivery_id", del.ID,
			"error", err)
	}
}

// evictLocked drops the oldest messages beyond historySize whose deliveries
// have all reached a terminal state.
func (d *Dispatcher) evictLocked() {
	excess := len(d.order) - d.historySize
	if excess <= 0 {
		return
	}

	kept := d.order[:0]
	for _, id := range d.order {
		state := d.messages[id]
		if excess > 0 && state.settled() {
			for _, del := range state.deliveries {
				delete(d.deliveries, del.ID)
			}
			delete(d.messages, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	d.order = kept
}

func (s *messageState) settled() bool {
	for _, del := range s.deliveries {
		if !del.Status.Terminal() {
			return false
		}
	}
	return true
}

// Deliveries returns the current delivery records of a message.
func (d *Dispatcher) Deliveries(messageID string) ([]Delivery, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	state, ok := d.messages[messageID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	out := make([]Delivery, len(state.deliveries))
	for i, del := range state.deliveries {
		out[i] = snapshot(del)
	}
	return out, nil
}

func (d *Dispatcher) Delivery(deliveryID string) (Delivery, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	del, ok := d.deliveries[deliveryID]
	if !ok {
		return Delivery{}, false
	}
	return snapshot(del), true
}

// History returns up to limit messages, newest first. limit <= 0 returns all.
func (d *Dispatcher) History(limit int) []MessageRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := len(d.order)
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]MessageRecord, 0, n)
	for i := len(d.order) - 1; i >= 0 && len(out) < n; i-- {
		state := d.messages[d.order[i]]
		rec := MessageRecord{Message: state.msg, Deliveries: make([]Delivery, len(state.deliveries))}
		for j, del := range state.deliveries {
			rec.Deliveries[j] = snapshot(del)
		}
		out = append(out, rec)
	}
	return out
}

// Wait blocks until every in-flight delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Stop aborts pending retries and waits for deliveries to settle.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
	slog.Info("Notification dispatcher stopped")
}

func snapshot(del *Delivery) Delivery {
	out := *del
	out.History = append([]Attempt(nil), del.History...)
	return out
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok || n == "" {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
