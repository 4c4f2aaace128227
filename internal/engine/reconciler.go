package engine

import (
	"fmt"
	"log/slog"
	"time"

	"ledbar/internal/clock"
	"ledbar/internal/device"
	"ledbar/internal/events"
	"ledbar/internal/schedule"
)

// DefaultMotionDwell is how long motion keeps the lights on.
const DefaultMotionDwell = 5 * time.Minute

// nudgeStep is the brightness change per IR up/down press.
const nudgeStep = 10

type applied struct {
	out             device.Output
	schedulerActive bool
}

// motionState is Idle when until is zero, LightsOnUntil(until) otherwise.
type motionState struct {
	until      time.Time
	brightness map[string]int
}

func (m motionState) lit(now time.Time) bool {
	return !m.until.IsZero() && now.Before(m.until)
}

func (m motionState) expired(now time.Time) bool {
	return !m.until.IsZero() && !now.Before(m.until)
}

// Reconciler owns the device document and decides every channel's output.
// It is not safe for concurrent use; Service serialises access to it.
type Reconciler struct {
	cfg    *device.Config
	clock  clock.Source
	out    Output
	store  Persister
	notify Notifier
	policy Policy
	dwell  time.Duration
	now    func() time.Time
	logger *slog.Logger

	applied map[string]applied
	motion  motionState

	// pendingApply and pendingSave mark a failed write to retry next pass.
	pendingApply bool
	pendingSave  bool
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithPolicy sets the precedence policy.
func WithPolicy(p Policy) Option {
	return func(r *Reconciler) { r.policy = p }
}

// WithMotionDwell sets how long motion keeps the lights on.
func WithMotionDwell(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.dwell = d
		}
	}
}

// WithNow replaces the monotonic time source used for motion deadlines.
func WithNow(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithNotifier sets the change sink.
func WithNotifier(n Notifier) Option {
	return func(r *Reconciler) { r.notify = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// NewReconciler takes ownership of cfg and applies its timezone to clk.
func NewReconciler(cfg *device.Config, clk clock.Source, out Output, store Persister, opts ...Option) *Reconciler {
	r := &Reconciler{
		cfg:     cfg,
		clock:   clk,
		out:     out,
		store:   store,
		dwell:   DefaultMotionDwell,
		now:     time.Now,
		logger:  slog.Default(),
		applied: make(map[string]applied),
	}
	for _, o := range opts {
		o(r)
	}
	clk.SetTimezoneOffset(cfg.TimezoneOffset)
	return r
}

// Tick re-evaluates every channel against the clock.
func (r *Reconciler) Tick() Result {
	return r.pass(ReasonTick, nil, false)
}

// Manual applies a manual command. The channel ignores its schedule until the
// next tick.
func (r *Reconciler) Manual(cmd ManualSet) (Result, error) {
	ch := r.cfg.Channel(cmd.ChannelID)
	if ch == nil {
		return Result{Reason: ReasonManual}, fmt.Errorf("channel %q: %w", cmd.ChannelID, ErrUnknownChannel)
	}
	switch {
	case cmd.Toggle:
		ch.ManualState = !ch.ManualState
	case cmd.State != nil:
		ch.ManualState = *cmd.State
	}
	if cmd.Brightness != nil {
		ch.ManualBrightness = device.ClampBrightness(*cmd.Brightness)
	}
	ch.SchedulerActive = false
	return r.pass(ReasonManual, map[string]bool{ch.ID: true}, true), nil
}

// IR handles a decoded remote code. Every valid code is announced so scripts
// can bind spare buttons; unmatched codes change nothing and touch neither
// gateway.
func (r *Reconciler) IR(cmd IRCode) Result {
	code := device.NormalizeIRCode(cmd.Code)
	if code == "" {
		return Result{Reason: ReasonIR, Ignored: true}
	}
	r.emit(events.IRReceived, map[string]any{"code": code})

	if code == r.cfg.IRBrightnessUp || code == r.cfg.IRBrightnessDown {
		step := nudgeStep
		if code == r.cfg.IRBrightnessDown {
			step = -nudgeStep
		}
		nudged := false
		for i := range r.cfg.Channels {
			ch := &r.cfg.Channels[i]
			// Only manually lit channels; the schedule owns the others.
			if a := r.applied[ch.ID]; !a.out.State || a.schedulerActive {
				continue
			}
			ch.ManualBrightness = device.ClampBrightness(ch.ManualBrightness + step)
			nudged = true
		}
		if !nudged {
			return Result{Reason: ReasonIR, Ignored: true}
		}
		return r.pass(ReasonIR, nil, true)
	}

	chans := r.cfg.ChannelsByIRCode(code)
	if len(chans) == 0 {
		r.logger.Debug("unbound ir code", "code", code)
		return Result{Reason: ReasonIR, Ignored: true}
	}
	overrides := make(map[string]bool, len(chans))
	for _, ch := range chans {
		ch.ManualState = !ch.ManualState
		ch.SchedulerActive = false
		overrides[ch.ID] = true
	}
	return r.pass(ReasonIR, overrides, true)
}

// Motion starts or extends the lights-on period.
func (r *Reconciler) Motion() Result {
	t := r.now()
	if !r.motion.lit(t) {
		b := make(map[string]int, len(r.cfg.Channels))
		for _, ch := range r.cfg.Channels {
			b[ch.ID] = r.previousBrightness(&ch)
		}
		r.motion.brightness = b
		r.emit(events.MotionDetected, map[string]any{"dwell": r.dwell.String()})
	}
	r.motion.until = t.Add(r.dwell)
	return r.pass(ReasonMotion, nil, false)
}

func (r *Reconciler) previousBrightness(ch *device.Channel) int {
	if a, ok := r.applied[ch.ID]; ok && a.out.State {
		return a.out.Brightness
	}
	return ch.ManualBrightness
}

// Update applies a settings write atomically: on error nothing changes.
func (r *Reconciler) Update(u Update) (Result, error) {
	next := r.cfg.Clone()

	if u.ReplaceChannels != nil {
		next.Channels = make([]device.Channel, len(u.ReplaceChannels))
		copy(next.Channels, u.ReplaceChannels)
		for i := range next.Channels {
			ch := &next.Channels[i]
			ch.ManualBrightness = device.ClampBrightness(ch.ManualBrightness)
			ch.ScheduledBrightness = device.ClampBrightness(ch.ScheduledBrightness)
			ch.IRCode = device.NormalizeIRCode(ch.IRCode)
		}
	}
	for _, p := range u.Channels {
		ch := next.Channel(p.ID)
		if ch == nil {
			return Result{Reason: ReasonUpdate}, fmt.Errorf("channel %q: %w", p.ID, ErrUnknownChannel)
		}
		applyPatch(ch, p)
	}

	if u.DeviceName != nil {
		if device.ValidHostname(*u.DeviceName) {
			next.DeviceName = *u.DeviceName
		} else {
			r.logger.Warn("ignoring invalid device name", "name", *u.DeviceName)
		}
	}
	if u.TimezoneOffset != nil {
		next.TimezoneOffset = *u.TimezoneOffset
	}
	if u.IRBrightnessUp != nil {
		next.IRBrightnessUp = device.NormalizeIRCode(*u.IRBrightnessUp)
	}
	if u.IRBrightnessDown != nil {
		next.IRBrightnessDown = device.NormalizeIRCode(*u.IRBrightnessDown)
	}

	if err := next.Validate(); err != nil {
		return Result{Reason: ReasonUpdate}, err
	}

	for i := range next.Channels {
		ch := &next.Channels[i]
		old := r.cfg.Channel(ch.ID)
		if old != nil && old.ScheduleEnabled && !ch.ScheduleEnabled {
			ch.SchedulerActive = false
			if r.policy.OnDisable == DisableOff {
				ch.ManualState = false
			}
		}
	}

	tzChanged := next.TimezoneOffset != r.cfg.TimezoneOffset
	*r.cfg = *next
	if tzChanged {
		r.clock.SetTimezoneOffset(r.cfg.TimezoneOffset)
	}

	res := r.pass(ReasonUpdate, nil, true)
	r.emit(events.SettingsChanged, r.cfg.Clone())
	return res, nil
}

func applyPatch(ch *device.Channel, p ChannelPatch) {
	if p.Name != nil {
		ch.Name = *p.Name
	}
	if p.Pin != nil {
		ch.Pin = *p.Pin
	}
	if p.State != nil {
		ch.ManualState = *p.State
	}
	if p.Brightness != nil {
		ch.ManualBrightness = device.ClampBrightness(*p.Brightness)
	}
	if p.IRCode != nil {
		ch.IRCode = device.NormalizeIRCode(*p.IRCode)
	}
	if p.ScheduleEnabled != nil {
		ch.ScheduleEnabled = *p.ScheduleEnabled
	}
	if p.ScheduleStart != nil {
		ch.ScheduleStart = *p.ScheduleStart
	}
	if p.ScheduleEnd != nil {
		ch.ScheduleEnd = *p.ScheduleEnd
	}
	if p.ScheduledBrightness != nil {
		ch.ScheduledBrightness = device.ClampBrightness(*p.ScheduledBrightness)
	}
}

// Snapshot returns a copy of the device document.
func (r *Reconciler) Snapshot() *device.Config {
	return r.cfg.Clone()
}

// Status returns the current projection.
func (r *Reconciler) Status() Status {
	h, m := r.clock.Now()
	now := device.TimeOfDay{Hour: h, Minute: m}
	t := r.now()
	st := Status{
		DeviceName:     r.cfg.DeviceName,
		Time:           now.String(),
		TimezoneOffset: r.cfg.TimezoneOffset,
		Motion:         r.motion.lit(t),
		Channels:       make([]ChannelStatus, 0, len(r.cfg.Channels)),
	}
	if st.Motion {
		until := r.motion.until
		st.MotionUntil = &until
	}
	for _, ch := range r.cfg.Channels {
		eff, ok := r.applied[ch.ID]
		if !ok {
			out, _ := r.evaluate(&ch, now, st.Motion, false)
			eff.out = out
		}
		st.Channels = append(st.Channels, ChannelStatus{Channel: ch, Effective: eff.out})
	}
	return st
}

// evaluate returns the output a channel should have and whether its schedule
// is driving it.
func (r *Reconciler) evaluate(ch *device.Channel, now device.TimeOfDay, motionLit, override bool) (device.Output, bool) {
	manual := device.Output{
		ChannelID:  ch.ID,
		Pin:        ch.PinName(),
		State:      ch.ManualState,
		Brightness: ch.ManualBrightness,
	}
	off := manual
	off.State = false

	switch {
	case override:
		return manual, false
	case motionLit:
		b, ok := r.motion.brightness[ch.ID]
		if !ok {
			b = ch.ManualBrightness
		}
		lit := manual
		lit.State = true
		lit.Brightness = b
		return lit, false
	case !ch.ScheduleEnabled:
		return manual, false
	case schedule.ForChannel(ch).Contains(now):
		lit := manual
		lit.State = true
		lit.Brightness = ch.ScheduledBrightness
		return lit, true
	case r.policy.OutsideWindow == OutsideManual:
		return manual, false
	default:
		return off, false
	}
}

// pass evaluates every channel, writes the outputs once if anything moved and
// saves the document once if anything moved or was mutated.
func (r *Reconciler) pass(reason string, overrides map[string]bool, mutated bool) Result {
	res := Result{Reason: reason}
	t := r.now()

	if r.motion.expired(t) {
		for i := range r.cfg.Channels {
			r.cfg.Channels[i].ManualState = false
		}
		r.motion = motionState{}
		mutated = true
		r.emit(events.MotionCleared, nil)
	}
	motionLit := r.motion.lit(t)

	h, m := r.clock.Now()
	now := device.TimeOfDay{Hour: h, Minute: m}

	outs := make([]device.Output, 0, len(r.cfg.Channels))
	seen := make(map[string]struct{}, len(r.cfg.Channels))
	for i := range r.cfg.Channels {
		ch := &r.cfg.Channels[i]
		seen[ch.ID] = struct{}{}

		eff, active := r.evaluate(ch, now, motionLit, overrides[ch.ID])
		ch.SchedulerActive = active

		prev, ok := r.applied[ch.ID]
		if !ok || prev.out != eff || prev.schedulerActive != active {
			res.Changes = append(res.Changes, Change{
				ChannelID:       ch.ID,
				Reason:          reason,
				Before:          prev.out,
				After:           eff,
				SchedulerActive: active,
			})
		}
		outs = append(outs, eff)
	}
	for id, prev := range r.applied {
		if _, ok := seen[id]; ok {
			continue
		}
		gone := prev.out
		gone.State = false
		outs = append(outs, gone)
		res.Changes = append(res.Changes, Change{ChannelID: id, Reason: reason, Before: prev.out, After: gone})
	}

	if len(res.Changes) > 0 || r.pendingApply {
		if err := r.out.Apply(outs); err != nil {
			r.logger.Error("apply outputs", "reason", reason, "err", err)
			r.pendingApply = true
			res.OutputErr = err
		} else {
			r.pendingApply = false
		}
		res.Applied = true
		for _, c := range res.Changes {
			if _, ok := seen[c.ChannelID]; !ok {
				delete(r.applied, c.ChannelID)
				continue
			}
			r.applied[c.ChannelID] = applied{out: c.After, schedulerActive: c.SchedulerActive}
		}
	}

	if len(res.Changes) > 0 || mutated || r.pendingSave {
		if err := r.store.Save(r.cfg); err != nil {
			r.logger.Error("save settings", "reason", reason, "err", err)
			r.pendingSave = true
			res.PersistErr = err
		} else {
			r.pendingSave = false
			res.Persisted = true
		}
	}

	for _, c := range res.Changes {
		r.logger.Info("channel changed",
			"channel", c.ChannelID,
			"reason", reason,
			"state", c.After.State,
			"brightness", c.After.Brightness,
			"scheduled", c.SchedulerActive,
		)
		r.emit(events.ChannelChanged, c)
	}
	return res
}

func (r *Reconciler) emit(typ string, data any) {
	if r.notify == nil {
		return
	}
	r.notify.Emit(events.Event{Type: typ, Data: data})
}
