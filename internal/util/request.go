package util

import (
	"strings"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request id on webhook requests and responses.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLength = 128

// NewRequestID returns a random request id.
func NewRequestID() string {
	return uuid.NewString()
}

// RequestID keeps an inbound id when it is usable and mints a new one otherwise.
func RequestID(inbound string) string {
	inbound = strings.TrimSpace(inbound)
	if inbound == "" || len(inbound) > maxRequestIDLength || strings.ContainsAny(inbound, "\r\n") {
		return NewRequestID()
	}
	return inbound
}
