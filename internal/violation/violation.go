// Package violation turns raw, noisy proctoring observations into debounced
// violation decisions. Each monitored signal owns a small state machine; the
// Evaluator routes observations to them through a single Dispatch call.
package violation

import (
	"encoding/json"
	"time"
)

// Cause is the user-facing reason an exam was terminated.
type Cause string

const (
	CauseNone              Cause = ""
	CauseFaceNotDetected   Cause = "Face not detected"
	CauseMultipleFaces     Cause = "Multiple faces detected"
	CauseRepeatedVoice     Cause = "Repeated voice detected"
	CausePhoneDetected     Cause = "Mobile phone detected"
	CauseTabSwitched       Cause = "Tab switched"
	CauseExitedFullscreen  Cause = "Exited fullscreen"
	CauseCameraOff         Cause = "Camera turned off"
	CauseMicrophoneOff     Cause = "Microphone turned off"
	CauseDeviceChanged     Cause = "Device changed"
	CauseDeviceUnavailable Cause = "Device unavailable"
)

func (c Cause) String() string { return string(c) }

// WarningKind names a non-terminating advisory raised by a signal.
type WarningKind string

const (
	WarnVoiceDetected        WarningKind = "Voice detected"
	WarnInternetDisconnected WarningKind = "Internet disconnected"
)

// Event is a confirmed violation. It is produced once and consumed once by
// the lifecycle controller.
type Event struct {
	Cause       Cause     `json:"cause"`
	Timestamp   time.Time `json:"timestamp"`
	CandidateID string    `json:"candidateId"`
}

// Signal identifies the stream an observation belongs to.
type Signal int

const (
	SignalFace Signal = iota
	SignalVoice
	SignalPhone
	SignalConnectivity
	SignalBrowser
)

var signalNames = map[Signal]string{
	SignalFace:         "face",
	SignalVoice:        "voice",
	SignalPhone:        "phone",
	SignalConnectivity: "connectivity",
	SignalBrowser:      "browser",
}

var signalFromName = map[string]Signal{
	"face":         SignalFace,
	"voice":        SignalVoice,
	"phone":        SignalPhone,
	"connectivity": SignalConnectivity,
	"browser":      SignalBrowser,
}

func (s Signal) String() string {
	if n, ok := signalNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Signal) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Signal) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := signalFromName[n]; ok {
		*s = v
	}
	return nil
}

// BrowserEvent is an edge-triggered event raised by the candidate's browser
// or device layer. These are never accumulated.
type BrowserEvent string

const (
	BrowserTabHidden             BrowserEvent = "tab_hidden"
	BrowserTabVisible            BrowserEvent = "tab_visible"
	BrowserFullscreenExit        BrowserEvent = "fullscreen_exit"
	BrowserFullscreenEnter       BrowserEvent = "fullscreen_enter"
	BrowserCameraEnded           BrowserEvent = "camera_ended"
	BrowserMicrophoneEnded       BrowserEvent = "microphone_ended"
	BrowserDeviceChange          BrowserEvent = "device_change"
	BrowserCameraUnavailable     BrowserEvent = "camera_unavailable"
	BrowserMicrophoneUnavailable BrowserEvent = "microphone_unavailable"
)

var browserCauses = map[BrowserEvent]Cause{
	BrowserTabHidden:             CauseTabSwitched,
	BrowserFullscreenExit:        CauseExitedFullscreen,
	BrowserCameraEnded:           CauseCameraOff,
	BrowserMicrophoneEnded:       CauseMicrophoneOff,
	BrowserDeviceChange:          CauseDeviceChanged,
	BrowserCameraUnavailable:     CauseDeviceUnavailable,
	BrowserMicrophoneUnavailable: CauseDeviceUnavailable,
}

// Cause maps the event to its violation cause. Events that restore a good
// state (tab visible, fullscreen entered) map to CauseNone.
func (e BrowserEvent) Cause() Cause {
	return browserCauses[e]
}

// Detection is a single classifier result.
type Detection struct {
	Class string  `json:"class"`
	Score float64 `json:"score"`
}

// Observation is one raw sample from a signal adapter. Only the fields
// relevant to Signal are read.
type Observation struct {
	Signal Signal
	At     time.Time

	// Faces is the number of faces seen in a frame (SignalFace).
	Faces int
	// Level is the normalised RMS audio energy of a window (SignalVoice).
	Level float64
	// Detections are object-detector results (SignalPhone).
	Detections []Detection
	// Online reports network reachability (SignalConnectivity).
	Online bool
	// Browser carries the edge event (SignalBrowser).
	Browser BrowserEvent

	// Err marks a failed sample: the detector threw or returned nothing.
	// The observation advances no accumulator.
	Err error
}
