package models

import (
	"errors"
	"testing"
	"time"
)

func TestSessionValidate(t *testing.T) {
	car := Vehicle{Make: "Toyota", Model: "Corolla", Year: 2020, Price: 250000}
	dp := int64(50000)

	cases := []struct {
		name string
		s    Session
		want error
	}{
		{"idle", Session{Sender: "+52", Phase: PhaseNone}, nil},
		{"no sender", Session{Phase: PhaseNone}, ErrEmptySender},
		{"downpayment without car", Session{Sender: "+52", Phase: PhaseAwaitingDownpayment}, ErrMissingVehicle},
		{"downpayment with car", Session{Sender: "+52", Phase: PhaseAwaitingDownpayment, SelectedCar: &car}, nil},
		{"months without downpayment", Session{Sender: "+52", Phase: PhaseAwaitingMonths, SelectedCar: &car}, ErrMissingDownpayment},
		{"months complete", Session{Sender: "+52", Phase: PhaseAwaitingMonths, SelectedCar: &car, Downpayment: &dp}, nil},
	}
	for _, tc := range cases {
		if err := tc.s.Validate(); !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestSessionCloneIsDeep(t *testing.T) {
	bt := true
	car := Vehicle{Make: "Mazda", Model: "3", Year: 2019, Price: 300000, Bluetooth: &bt}
	dp := int64(60000)
	s := NewSession("+52", time.Unix(10, 0))
	s.Results = []Vehicle{car}
	s.SelectedCar = &car
	s.Downpayment = &dp

	c := s.Clone()
	c.Results[0].Make = "Changed"
	*c.SelectedCar.Bluetooth = false
	*c.Downpayment = 1

	if s.Results[0].Make != "Mazda" {
		t.Error("clone shares result slice")
	}
	if !*s.SelectedCar.Bluetooth {
		t.Error("clone shares selected car flags")
	}
	if *s.Downpayment != 60000 {
		t.Error("clone shares downpayment")
	}
}

func TestSessionSameState(t *testing.T) {
	car := Vehicle{Make: "Kia", Model: "Rio", Year: 2020, Price: 260000}
	dp := int64(50000)
	s := NewSession("+52", time.Unix(10, 0))
	s.Phase = PhaseAwaitingMonths
	s.Results = []Vehicle{car}
	s.SelectedCar = &car
	s.Downpayment = &dp

	c := s.Clone()
	c.LastActive = time.Unix(99, 0)
	if !s.SameState(c) {
		t.Error("clone with a new activity stamp should keep the same state")
	}
	if !NewSession("+52", time.Unix(1, 0)).SameState(Session{Phase: PhaseNone, Results: []Vehicle{}}) {
		t.Error("nil and empty results should compare equal")
	}

	other := int64(60000)
	c.Downpayment = &other
	if s.SameState(c) {
		t.Error("different downpayment should change the state")
	}
	c = s.Clone()
	c.Results[0].Price = 1
	if s.SameState(c) {
		t.Error("different results should change the state")
	}
	c = s.Clone()
	c.Phase = PhaseNone
	if s.SameState(c) {
		t.Error("different phase should change the state")
	}
}

func TestPhaseHelpers(t *testing.T) {
	if !Phase("").Idle() || !PhaseNone.Idle() {
		t.Error("empty and none phases should be idle")
	}
	if PhaseAwaitingPlate.Financing() {
		t.Error("plate phase is not a financing phase")
	}
	if !PhaseAwaitingMonths.Financing() {
		t.Error("months phase is a financing phase")
	}
	if Phase("bogus").IsValid() {
		t.Error("unknown phase reported valid")
	}
}

func TestPlateLookupRequestValidate(t *testing.T) {
	if err := (PlateLookupRequest{Plate: "ABC123"}).Validate(); !errors.Is(err, ErrEmptySender) {
		t.Errorf("expected ErrEmptySender, got %v", err)
	}
	if err := (PlateLookupRequest{User: "+52"}).Validate(); !errors.Is(err, ErrInvalidPlate) {
		t.Errorf("expected ErrInvalidPlate, got %v", err)
	}
	if err := (PlateLookupRequest{Plate: "ABC123", User: "+52"}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestVehicleKeyAndTitle(t *testing.T) {
	v := Vehicle{Make: "Nissan", Model: "Versa", Year: 2021, Price: 230000}
	if v.Title() != "Nissan Versa (2021)" {
		t.Errorf("unexpected title %q", v.Title())
	}
	w := v
	w.StockID = "123"
	if w.Key() != "123" {
		t.Errorf("stock id should be the key, got %q", w.Key())
	}
	if v.Key() == "" {
		t.Error("expected composite key")
	}
}
