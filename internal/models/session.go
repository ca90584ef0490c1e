package models

import (
	"reflect"
	"time"
)

// Phase is the step of a multi-turn negotiation a sender is in.
type Phase string

const (
	PhaseNone                Phase = "none"
	PhaseAwaitingPlate       Phase = "waiting_for_plate"
	PhaseAwaitingDecision    Phase = "waiting_for_financing_decision"
	PhaseAwaitingDownpayment Phase = "waiting_for_downpayment"
	PhaseAwaitingMonths      Phase = "waiting_for_months"
)

// IsValid reports whether p is one of the known phases. The empty phase is
// treated as PhaseNone.
func (p Phase) IsValid() bool {
	switch p {
	case "", PhaseNone, PhaseAwaitingPlate, PhaseAwaitingDecision, PhaseAwaitingDownpayment, PhaseAwaitingMonths:
		return true
	}
	return false
}

// Idle reports whether no negotiation is in progress.
func (p Phase) Idle() bool {
	return p == "" || p == PhaseNone
}

// Financing reports whether p belongs to the financing negotiation.
func (p Phase) Financing() bool {
	return p == PhaseAwaitingDecision || p == PhaseAwaitingDownpayment || p == PhaseAwaitingMonths
}

// Session is the per-sender conversation state. It replaces the separate
// result, session, financing-wait, plate-wait and last-active maps with one
// record so clearing it clears everything.
type Session struct {
	Sender      string    `json:"sender"`
	Phase       Phase     `json:"phase"`
	Results     []Vehicle `json:"results,omitempty"`
	SelectedCar *Vehicle  `json:"selected_car,omitempty"`
	Downpayment *int64    `json:"downpayment,omitempty"`
	Months      *int      `json:"months,omitempty"`
	LastActive  time.Time `json:"last_active"`
}

// NewSession returns an idle session for sender.
func NewSession(sender string, now time.Time) Session {
	return Session{Sender: sender, Phase: PhaseNone, LastActive: now}
}

// Clone returns a deep copy of the session.
func (s Session) Clone() Session {
	c := s
	c.Results = CloneVehicles(s.Results)
	if s.SelectedCar != nil {
		v := s.SelectedCar.Clone()
		c.SelectedCar = &v
	}
	if s.Downpayment != nil {
		d := *s.Downpayment
		c.Downpayment = &d
	}
	if s.Months != nil {
		m := *s.Months
		c.Months = &m
	}
	return c
}

// SameState reports whether o holds the same conversation state as s.
// Sender and LastActive are ignored.
func (s Session) SameState(o Session) bool {
	if s.Phase != o.Phase || len(s.Results) != len(o.Results) {
		return false
	}
	if len(s.Results) > 0 && !reflect.DeepEqual(s.Results, o.Results) {
		return false
	}
	return reflect.DeepEqual(s.SelectedCar, o.SelectedCar) &&
		reflect.DeepEqual(s.Downpayment, o.Downpayment) &&
		reflect.DeepEqual(s.Months, o.Months)
}

// ResetFinancing drops the selected car and the negotiated terms.
func (s *Session) ResetFinancing() {
	s.SelectedCar = nil
	s.Downpayment = nil
	s.Months = nil
}

// Validate checks the phase invariants: a downpayment or months phase always
// has a selected car, and the months phase always has a downpayment.
func (s Session) Validate() error {
	if s.Sender == "" {
		return ErrEmptySender
	}
	switch s.Phase {
	case PhaseAwaitingDownpayment:
		if s.SelectedCar == nil {
			return ErrMissingVehicle
		}
	case PhaseAwaitingMonths:
		if s.SelectedCar == nil {
			return ErrMissingVehicle
		}
		if s.Downpayment == nil {
			return ErrMissingDownpayment
		}
	}
	return nil
}
