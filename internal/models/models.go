// Package models defines the core data structures for DealerPipe.
//
// It includes the catalog vehicle record, the per-sender conversation session,
// financing quotes and the fine lookup request shared across modules.
package models

import (
	"errors"
)

// Error variables for better error handling and testability
var (
	ErrEmptySender        = errors.New("sender cannot be empty")
	ErrMissingVehicle     = errors.New("no vehicle selected")
	ErrMissingDownpayment = errors.New("downpayment not set")
	ErrInvalidPlate       = errors.New("invalid plate")
	ErrInvalidIndex       = errors.New("selection index out of range")
	ErrNoResults          = errors.New("no active search results")
)

// PlateLookupRequest is the payload handed to the external fine lookup queue.
type PlateLookupRequest struct {
	Plate string `json:"plate"`
	User  string `json:"user"`
}

// Validate checks that the request carries a plate and a sender.
func (r PlateLookupRequest) Validate() error {
	if r.User == "" {
		return ErrEmptySender
	}
	if r.Plate == "" {
		return ErrInvalidPlate
	}
	return nil
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
