package domain

import "errors"

// Protocol parse errors.
var (
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrUnknownType        = errors.New("unknown message type")
	ErrFrameTooLarge      = errors.New("frame exceeds maximum size")
	ErrVersionUnsupported = errors.New("message not supported at protocol version")
	ErrInvalidMAC         = errors.New("invalid MAC address")
)

// Connection and session errors.
var (
	ErrUnknownAgent         = errors.New("agent is not provisioned")
	ErrPollDeadlineExceeded = errors.New("poll response outstanding at next poll tick")
	ErrConnectionClosed     = errors.New("connection closed")
	ErrNotRegistered        = errors.New("handler is not the registered owner")
	ErrQueueFull            = errors.New("outbound queue full")
)

// Command ingress errors.
var (
	ErrCommandForOfflineAgent = errors.New("no registered handler for agent")
	ErrUnknownCommand         = errors.New("unknown command")
	ErrInvalidEnvelope        = errors.New("invalid command envelope")
)

// Persistence errors.
var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrMeterNotFound = errors.New("meter not found")
	ErrUnknownUnit   = errors.New("unknown unit code")
)
