package session

import (
	"time"

	"github.com/cockroachdb/errors"

	"wipecert_enterprise/internal/security"
	"wipecert_enterprise/internal/system"
	"wipecert_enterprise/internal/wipe"
)

var (
	ErrSessionAlreadyActive = errors.New("a wipe session is already active")
	ErrSessionCancelled     = errors.New("wipe session cancelled")
	ErrSessionNotFound      = errors.New("wipe session not found")
)

// Phase is the session state machine position.
type Phase string

const (
	PhaseIdle                   Phase = "Idle"
	PhasePreparing              Phase = "Preparing"
	PhaseWipingDevice           Phase = "WipingDevice"
	PhaseGeneratingCertificates Phase = "GeneratingCertificates"
	PhaseCompleted              Phase = "Completed"
	PhaseError                  Phase = "Error"
	PhaseCancelled              Phase = "Cancelled"
)

// Terminal reports whether no further transitions happen.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseError || p == PhaseCancelled
}

// Rejection records a device refused by the eligibility checks.
type Rejection struct {
	DeviceID string                   `json:"deviceId"`
	Reason   security.RejectionReason `json:"reason"`
	Message  string                   `json:"message"`
}

// State is a snapshot of a running session. Snapshots are copies and safe to
// keep.
type State struct {
	SessionID       string         `json:"sessionId"`
	DeviceIDs       []string       `json:"deviceIds"`
	CompletedCount  int            `json:"completedCount"`
	CurrentDeviceID string         `json:"currentDeviceId,omitempty"`
	OverallProgress float64        `json:"overallProgress"`
	Phase           Phase          `json:"phase"`
	Outcomes        []wipe.Outcome `json:"outcomes"`
	Rejections      []Rejection    `json:"rejections"`
}

func (s State) clone() State {
	s.DeviceIDs = append([]string(nil), s.DeviceIDs...)
	s.Outcomes = append([]wipe.Outcome(nil), s.Outcomes...)
	s.Rejections = append([]Rejection(nil), s.Rejections...)
	return s
}

// DeviceStatus is the terminal status of one device in a session.
type DeviceStatus string

const (
	StatusCertified         DeviceStatus = "Certified"
	StatusErasedUncertified DeviceStatus = "ErasedUncertified"
	StatusFailed            DeviceStatus = "Failed"
	StatusRejected          DeviceStatus = "Rejected"
	StatusCancelled         DeviceStatus = "Cancelled"
	StatusSkipped           DeviceStatus = "Skipped"
)

// Erased reports whether the device was actually wiped.
func (s DeviceStatus) Erased() bool {
	return s == StatusCertified || s == StatusErasedUncertified
}

// DeviceReport is the per-device entry of a session result.
type DeviceReport struct {
	Device        system.Device `json:"device"`
	Status        DeviceStatus  `json:"status"`
	Outcome       *wipe.Outcome `json:"outcome,omitempty"`
	Command       string        `json:"command,omitempty"`
	CertificateID string        `json:"certificateId,omitempty"`
	ErrorKind     string        `json:"errorKind,omitempty"`
	Error         string        `json:"error,omitempty"`
	Warning       string        `json:"warning,omitempty"`
}

// Result is what a finished session leaves behind, partial or not.
type Result struct {
	SessionID      string         `json:"sessionId"`
	Phase          Phase          `json:"phase"`
	Options        wipe.Options   `json:"options"`
	StartTime      time.Time      `json:"startTime"`
	EndTime        time.Time      `json:"endTime"`
	Devices        []DeviceReport `json:"devices"`
	CertificateIDs []string       `json:"certificateIds"`
	Warnings       []string       `json:"warnings,omitempty"`
	Err            error          `json:"-"`
}

// Count returns how many devices ended with status s.
func (r *Result) Count(s DeviceStatus) int {
	n := 0
	for _, d := range r.Devices {
		if d.Status == s {
			n++
		}
	}
	return n
}

// Clean reports whether every device was erased and certified.
func (r *Result) Clean() bool {
	return r.Phase == PhaseCompleted && r.Count(StatusCertified) == len(r.Devices)
}

// Request describes a session to run.
type Request struct {
	Devices []system.Device
	Options wipe.Options
	// ContinueOnFailure overrides the orchestrator default when set.
	ContinueOnFailure *bool
	// ConfirmedFixed lists non-removable device ids the operator confirmed
	// through the elevated pathway.
	ConfirmedFixed []string
}

func (req Request) validate() error {
	if len(req.Devices) == 0 {
		return errors.New("no devices selected")
	}
	seen := make(map[string]bool, len(req.Devices))
	for _, d := range req.Devices {
		if d.ID == "" {
			return errors.New("device with empty id")
		}
		if seen[d.ID] {
			return errors.Newf("device %s selected twice", d.ID)
		}
		seen[d.ID] = true
	}
	return req.Options.Validate()
}
