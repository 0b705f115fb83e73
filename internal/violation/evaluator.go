package violation

import "time"

// Thresholds are the product parameters of every signal policy.
type Thresholds struct {
	FaceAbsence time.Duration `yaml:"face_absence" toml:"face_absence"`
	MultiFace   time.Duration `yaml:"multi_face" toml:"multi_face"`

	VoiceLevel     float64 `yaml:"voice_level" toml:"voice_level"`
	VoiceWarnAt    int     `yaml:"voice_warn_at" toml:"voice_warn_at"`
	VoiceTriggerAt int     `yaml:"voice_trigger_at" toml:"voice_trigger_at"`

	PhoneClass      string  `yaml:"phone_class" toml:"phone_class"`
	PhoneConfidence float64 `yaml:"phone_confidence" toml:"phone_confidence"`

	OfflineWarnAt    int `yaml:"offline_warn_at" toml:"offline_warn_at"`
	OfflineTriggerAt int `yaml:"offline_trigger_at" toml:"offline_trigger_at"`
}

// DefaultThresholds returns the stock policy values.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FaceAbsence:      3 * time.Second,
		MultiFace:        time.Second,
		VoiceLevel:       0.1,
		VoiceWarnAt:      5,
		VoiceTriggerAt:   12,
		PhoneClass:       "cell phone",
		PhoneConfidence:  0.6,
		OfflineWarnAt:    5,
		OfflineTriggerAt: 15,
	}
}

// ResultKind classifies what Dispatch decided.
type ResultKind int

const (
	ResultNone ResultKind = iota
	// ResultWarning is advisory and never changes exam state.
	ResultWarning
	// ResultViolation terminates the exam.
	ResultViolation
	// ResultConnectivityLost ends the exam through a plain submission.
	ResultConnectivityLost
)

// Result is the decision for one observation.
type Result struct {
	Kind    ResultKind
	Signal  Signal
	Cause   Cause
	Warning WarningKind
	At      time.Time
}

// Event converts a violation result into the event consumed by the
// lifecycle controller.
func (r Result) Event(candidateID string) Event {
	return Event{Cause: r.Cause, Timestamp: r.At, CandidateID: candidateID}
}

// SignalState is a read-only view of one signal's debounce state.
type SignalState struct {
	Signal      Signal  `json:"signal"`
	Name        string  `json:"name"`
	Accumulated float64 `json:"accumulatedSeconds,omitempty"`
	Counter     int     `json:"counter,omitempty"`
	Warned      bool    `json:"warned,omitempty"`
}

// Evaluator owns the per-signal state of one exam session. It is not safe
// for concurrent use: a single event loop calls Dispatch.
type Evaluator struct {
	faceAbsent *DurationPolicy
	multiFace  *DurationPolicy
	voice      *CounterPolicy
	offline    *CounterPolicy
	phone      PhonePolicy
	voiceLevel float64
}

// NewEvaluator builds the signal policies, measuring durations from start.
func NewEvaluator(th Thresholds, start time.Time) *Evaluator {
	return &Evaluator{
		faceAbsent: NewDurationPolicy(th.FaceAbsence, start),
		multiFace:  NewDurationPolicy(th.MultiFace, start),
		voice:      NewCounterPolicy(th.VoiceWarnAt, th.VoiceTriggerAt),
		offline:    NewCounterPolicy(th.OfflineWarnAt, th.OfflineTriggerAt),
		phone:      PhonePolicy{Class: th.PhoneClass, MinScore: th.PhoneConfidence},
		voiceLevel: th.VoiceLevel,
	}
}

// Dispatch routes one observation to the policy for its signal.
func (e *Evaluator) Dispatch(obs Observation) Result {
	res := Result{Signal: obs.Signal, At: obs.At}

	switch obs.Signal {
	case SignalFace:
		if obs.Err != nil {
			e.faceAbsent.Skip(obs.At)
			e.multiFace.Skip(obs.At)
			return res
		}
		absent := e.faceAbsent.Observe(obs.Faces == 0, obs.At)
		multi := e.multiFace.Observe(obs.Faces > 1, obs.At)
		switch {
		case absent == OutcomeTrigger:
			return res.violation(CauseFaceNotDetected)
		case multi == OutcomeTrigger:
			return res.violation(CauseMultipleFaces)
		}

	case SignalVoice:
		if obs.Err != nil {
			return res
		}
		switch e.voice.Observe(obs.Level > e.voiceLevel) {
		case OutcomeWarn:
			return res.warning(WarnVoiceDetected)
		case OutcomeTrigger:
			return res.violation(CauseRepeatedVoice)
		}

	case SignalPhone:
		if obs.Err != nil {
			return res
		}
		if e.phone.Observe(obs.Detections) == OutcomeTrigger {
			return res.violation(CausePhoneDetected)
		}

	case SignalConnectivity:
		switch e.offline.Observe(!obs.Online) {
		case OutcomeWarn:
			return res.warning(WarnInternetDisconnected)
		case OutcomeTrigger:
			res.Kind = ResultConnectivityLost
			return res
		}

	case SignalBrowser:
		if c := obs.Browser.Cause(); c != CauseNone {
			return res.violation(c)
		}
	}

	return res
}

// States returns a snapshot of every accumulating signal.
func (e *Evaluator) States() []SignalState {
	return []SignalState{
		{Signal: SignalFace, Name: "face_absence", Accumulated: e.faceAbsent.Accumulated().Seconds()},
		{Signal: SignalFace, Name: "multi_face", Accumulated: e.multiFace.Accumulated().Seconds()},
		{Signal: SignalVoice, Name: "voice", Counter: e.voice.Count(), Warned: e.voice.Warned()},
		{Signal: SignalConnectivity, Name: "connectivity", Counter: e.offline.Count(), Warned: e.offline.Warned()},
	}
}

func (r Result) violation(c Cause) Result {
	r.Kind = ResultViolation
	r.Cause = c
	return r
}

func (r Result) warning(w WarningKind) Result {
	r.Kind = ResultWarning
	r.Warning = w
	return r
}
