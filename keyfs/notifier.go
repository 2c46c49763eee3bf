package keyfs

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devpi/keyfs/storage"
)

// KeyChangeEvent is delivered to subscribers registered via
// Notifier.Subscribe or TypedKey.OnKeyChange (SPEC_FULL.md supplemented
// feature #1), one per relpath touched by a committed serial.
type KeyChangeEvent struct {
	Serial     int64
	Relpath    string
	Name       string
	BackSerial int64
	Deleted    bool
}

type subscriber struct {
	token int64
	name  string // registered key name; "" means "all keys"
	fn    func(KeyChangeEvent)
}

// Notifier implements spec §4.5's Notification Thread: a background
// goroutine that tails newly committed serials strictly in order,
// dispatches each touched relpath to subscribers registered against its
// key name, and durably persists how far it has gotten so a restart
// resumes after the last persisted serial without skipping events. The
// cursor is written after a serial's delivery, so a serial delivered
// just before a crash, with its cursor not yet written, is delivered
// again on restart.
//
// Registration is only accepted before the notifier has started
// (spec §4.5's "registration after start is forbidden"), enforced by
// the started field.
type Notifier struct {
	engine *Engine

	mu          sync.Mutex
	subs        []subscriber
	nextToken   int64
	started     bool
	eventSerial int64 // last serial fully delivered; -1 means none yet

	wakeMu sync.Mutex
	wakeCh chan struct{}

	lastCaughtUp time.Time

	done     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
}

func newNotifier(e *Engine) *Notifier {
	n := &Notifier{
		engine:      e,
		eventSerial: -1,
		wakeCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	if path := n.cursorPath(); path != "" {
		if s, ok := readEventSerialCursor(path); ok {
			n.eventSerial = s
		}
	}
	return n
}

func (n *Notifier) cursorPath() string {
	base := n.engine.conf.cfg.BaseDir
	if base == "" {
		return ""
	}
	return filepath.Join(base, ".event_serial")
}

// readEventSerialCursor loads the persisted cursor file, storing
// event_serial+1 per spec §4.5's glossary entry; a missing file means no
// events have ever been delivered (-1).
func readEventSerialCursor(path string) (int64, bool) {
	raw, err := readFileOrNil(path)
	if err != nil || raw == nil {
		return -1, false
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return -1, false
	}
	return v - 1, true
}

func (n *Notifier) persistCursor(serial int64) error {
	path := n.cursorPath()
	if path == "" {
		return nil
	}
	return atomicWriteFile(path, []byte(strconv.FormatInt(serial+1, 10)), 0o644)
}

// Subscribe registers fn to run for every committed change to keys
// registered under name, in the order it was registered relative to
// other subscribers of the same name (spec §4.5's delivery-order
// guarantee). Pass "" to receive every key's changes. It returns a token
// for Unsubscribe. Calling Subscribe after the notifier has started
// returns ErrNotifierStarted.
func (n *Notifier) Subscribe(name string, fn func(KeyChangeEvent)) (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return 0, ErrNotifierStarted
	}
	n.nextToken++
	tok := n.nextToken
	n.subs = append(n.subs, subscriber{token: tok, name: name, fn: fn})
	return tok, nil
}

// Unsubscribe removes a previously registered subscriber (SPEC_FULL.md
// supplemented feature #5). It is a no-op if token is unknown.
func (n *Notifier) Unsubscribe(token int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, s := range n.subs {
		if s.token == token {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			return
		}
	}
}

// OnKeyChange is TypedKey's subscription sugar (SPEC_FULL.md supplemented
// feature #1): fn only runs for events whose relpath equals this key's.
func (tk TypedKey) OnKeyChange(n *Notifier, fn func(KeyChangeEvent)) (int64, error) {
	relpath := tk.relpath
	return n.Subscribe(tk.name, func(ev KeyChangeEvent) {
		if ev.Relpath == relpath {
			fn(ev)
		}
	})
}

// Start launches the notification thread. Once started, Subscribe
// refuses further registrations. It is safe to call Start exactly once;
// Engine.New does not call it automatically so embedders can finish
// registering subscribers first.
func (n *Notifier) Start(ctx context.Context) {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return
	}
	n.started = true
	n.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	go n.run(runCtx)
}

// wakeNewTransaction is called by FSWriter.finish right after a commit
// advances the serial, so the notifier's loop doesn't have to wait out a
// full poll interval (spec §4.2 step 7 / §4.5's cv_new_transaction).
func (n *Notifier) wakeNewTransaction() {
	n.wakeMu.Lock()
	close(n.wakeCh)
	n.wakeCh = make(chan struct{})
	n.wakeMu.Unlock()
}

func (n *Notifier) waitChan() <-chan struct{} {
	n.wakeMu.Lock()
	defer n.wakeMu.Unlock()
	return n.wakeCh
}

func (n *Notifier) run(ctx context.Context) {
	defer close(n.done)
	interval := n.engine.conf.cfg.NotifierPollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n.drainAvailable(ctx)

		select {
		case <-ctx.Done():
			return
		case <-n.waitChan():
		case <-ticker.C:
		}
	}
}

// drainAvailable delivers every committed serial strictly after
// eventSerial up to the engine's current serial, in order, persisting
// the cursor after each one. A crash between a serial's delivery and
// its cursor write means that serial is delivered again on restart;
// no serial is skipped.
func (n *Notifier) drainAvailable(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		target := n.eventSerial + 1
		if target > n.engine.CurrentSerial() {
			now := time.Now()
			n.lastCaughtUp = now
			n.engine.metrics.SetNotifierLagSeconds(0)
			return
		}

		changes, err := n.engine.storage.GetChanges(ctx, target)
		if err != nil {
			n.engine.logger.Warn("notifier: failed to read changes for delivery", zap.Int64("serial", target), zap.Error(err))
			return
		}

		n.deliver(target, changes)

		n.eventSerial = target
		if err := n.persistCursor(target); err != nil {
			n.engine.logger.Warn("notifier: failed to persist event serial cursor", zap.Int64("serial", target), zap.Error(err))
		}
		n.engine.metrics.SetNotifierEventSerial(target)
		if !n.lastCaughtUp.IsZero() {
			n.engine.metrics.SetNotifierLagSeconds(time.Since(n.lastCaughtUp).Seconds())
		}
	}
}

// deliver dispatches one serial's changes to matching subscribers, in
// the insertion order Changes preserves (spec §4.5: "subscribers for a
// given serial see changes in insertion order"), recovering from and
// logging a subscriber panic rather than letting one bad
// subscriber take down the notifier thread (spec §7: "a subscriber
// failure must not prevent later subscribers, or later events, from
// being delivered").
func (n *Notifier) deliver(serial int64, changes []storage.ChangeEntry) {
	n.mu.Lock()
	subs := make([]subscriber, len(n.subs))
	copy(subs, n.subs)
	n.mu.Unlock()

	for _, ce := range changes {
		ch := ce.Change
		ev := KeyChangeEvent{
			Serial:     serial,
			Relpath:    ce.Relpath,
			Name:       ch.Name,
			BackSerial: ch.BackSerial,
			Deleted:    ch.Value == nil,
		}
		for _, s := range subs {
			if s.name != "" && s.name != ch.Name {
				continue
			}
			n.dispatchOne(s, ev)
		}
	}
}

func (n *Notifier) dispatchOne(s subscriber, ev KeyChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			n.engine.logger.Error("notifier: subscriber panicked",
				zap.String("key", s.name), zap.Int64("serial", ev.Serial),
				zap.Any("panic", r))
		}
	}()
	s.fn(ev)
}

// WaitEventSerial blocks until the notifier has delivered at least
// serial, or ctx is done (spec §4.5's wait_event_serial).
func (n *Notifier) WaitEventSerial(ctx context.Context, serial int64) error {
	for {
		n.mu.Lock()
		reached := n.eventSerial >= serial
		n.mu.Unlock()
		if reached {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.waitChan():
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// WaitTxSerial blocks until the engine has committed at least serial, or
// ctx is done (spec §4.5's wait_tx_serial). Unlike WaitEventSerial this
// only waits on the commit itself, not on notifier delivery.
func (n *Notifier) WaitTxSerial(ctx context.Context, serial int64) error {
	for {
		if n.engine.CurrentSerial() >= serial {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.waitChan():
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// shutdown stops the run loop and waits for it to exit. Safe to call
// even if Start was never called.
func (n *Notifier) shutdown() {
	n.stopOnce.Do(func() {
		n.mu.Lock()
		started := n.started
		n.mu.Unlock()
		if !started {
			return
		}
		if n.cancel != nil {
			n.cancel()
		}
		n.wakeNewTransaction()
		<-n.done
	})
}

// readFileOrNil is a tiny helper kept local to notifier.go since it's
// the only place that needs "missing file is not an error" os.ReadFile
// semantics.
func readFileOrNil(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return raw, nil
}
