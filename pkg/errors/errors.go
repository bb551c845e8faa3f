// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the tunnel.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Common error types
var (
	// ErrConnectionClosed indicates the connection was disposed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrFrameTooLarge indicates a frame length above the maximum UDP payload.
	ErrFrameTooLarge = errors.New("frame exceeds maximum payload size")

	// ErrIngressClosed indicates a director's listening socket stopped.
	ErrIngressClosed = errors.New("ingress closed")

	// ErrSessionLimit indicates the configured session cap was reached.
	ErrSessionLimit = errors.New("session limit reached")

	// ErrRateLimited indicates the source exceeded its session admission rate.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrBackendUnavailable indicates the destination could not be reached.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrInvalidEndpoint indicates a malformed host:port string.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidMode indicates an unsupported tunnel mode.
	ErrInvalidMode = errors.New("invalid mode")

	// ErrInvalidConfig indicates an out of range configuration value.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// TunnelError wraps an error with session context.
type TunnelError struct {
	Op         string // Operation that failed (dial, bind, accept, ...)
	Mode       string // udp2tcp or tcp2udp
	Instance   string // Director instance id, as logged
	SessionID  uint64 // Zero when no session exists yet
	RemoteAddr string // Peer address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *TunnelError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Mode)
	if e.Instance != "" {
		sb.WriteString("@")
		sb.WriteString(e.Instance)
	}
	sb.WriteString(" ")
	sb.WriteString(e.Op)
	if e.SessionID != 0 {
		fmt.Fprintf(&sb, " [%d]", e.SessionID)
	}
	fmt.Fprintf(&sb, " %s: %v", e.RemoteAddr, e.Err)
	return sb.String()
}

// Unwrap returns the underlying error.
func (e *TunnelError) Unwrap() error {
	return e.Err
}

// New creates a new TunnelError. It returns nil when err is nil.
func New(op, mode string, sessionID uint64, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &TunnelError{
		Op:         op,
		Mode:       mode,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}
