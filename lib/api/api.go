// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package api is the control-plane HTTP surface that hosts talk to
// during a deployment. Agents call it to run the verify and
// confirm_decrypt steps of the package handshake, and package scripts
// call it to set and wait on rollout events.
//
// Request and response bodies are CBOR. Every response is a
// [Response] envelope; failures carry a stable [Response.Code] that
// [Client] maps back to the registry and barrier sentinel errors, so
// errors.Is works the same on both sides of the wire.
//
// Routes:
//
//	POST /v1/packages/{host}/{uuid}/verify    VerifyRequest -> VerifyResponse
//	POST /v1/packages/{host}/{uuid}/confirm   (no body)
//	GET  /v1/packages/{host}/{uuid}           PackageStatus
//	POST /v1/events/{id}                      SetEventRequest
//	GET  /v1/events/{id}?timeout=30s          EventResponse
//	GET  /healthz
//	GET  /metrics
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/bureau-foundation/rollout/lib/barrier"
	"github.com/bureau-foundation/rollout/lib/codec"
	"github.com/bureau-foundation/rollout/lib/registry"
)

// ContentType is the media type of every request and response body.
const ContentType = "application/cbor"

// maxBodySize bounds request and response bodies. Handshake messages
// and event metadata are small.
const maxBodySize = 1 << 20

// Response is the envelope around every reply.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Code  string           `cbor:"code,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// VerifyRequest submits the checksum of the encrypted artifact.
type VerifyRequest struct {
	Checksum string `cbor:"checksum"`
}

// VerifyResponse carries the released package key.
type VerifyResponse struct {
	Key []byte `cbor:"key"`
}

// PackageStatus is a registry entry without its key.
type PackageStatus struct {
	Formula      string    `cbor:"formula"`
	PackageUUID  string    `cbor:"package_uuid"`
	HostID       string    `cbor:"host_id"`
	Checksum     string    `cbor:"checksum"`
	Verified     bool      `cbor:"verified"`
	Decrypted    bool      `cbor:"decrypted"`
	RegisteredAt time.Time `cbor:"registered_at"`
	VerifiedAt   time.Time `cbor:"verified_at"`
	DecryptedAt  time.Time `cbor:"decrypted_at"`
}

// StatusFromEntry drops the key from a registry entry.
func StatusFromEntry(entry registry.Entry) PackageStatus {
	return PackageStatus{
		Formula:      entry.Formula,
		PackageUUID:  entry.PackageUUID,
		HostID:       entry.HostID,
		Checksum:     entry.Checksum,
		Verified:     entry.Verified,
		Decrypted:    entry.Decrypted,
		RegisteredAt: entry.RegisteredAt,
		VerifiedAt:   entry.VerifiedAt,
		DecryptedAt:  entry.DecryptedAt,
	}
}

// SetEventRequest carries the metadata stored with an event.
type SetEventRequest struct {
	Metadata map[string]any `cbor:"metadata,omitempty"`
}

// EventResponse carries the metadata of a set event.
type EventResponse struct {
	Metadata map[string]any `cbor:"metadata,omitempty"`
}

// errorCode ties a sentinel error to its wire code and HTTP status.
type errorCode struct {
	code   string
	status int
	err    error
}

var errorCodes = []errorCode{
	{"not_registered", http.StatusNotFound, registry.ErrNotRegistered},
	{"already_registered", http.StatusConflict, registry.ErrAlreadyRegistered},
	{"already_verified", http.StatusConflict, registry.ErrAlreadyVerified},
	{"checksum_mismatch", http.StatusForbidden, registry.ErrChecksumMismatch},
	{"not_verified", http.StatusConflict, registry.ErrNotVerified},
	{"already_decrypted", http.StatusConflict, registry.ErrAlreadyDecrypted},
	{"event_exists", http.StatusConflict, barrier.ErrEventExists},
	{"timeout", http.StatusRequestTimeout, barrier.ErrTimeout},
}

// classify returns the code and status for err. Unrecognized errors
// are internal.
func classify(err error) (string, int) {
	for _, entry := range errorCodes {
		if errors.Is(err, entry.err) {
			return entry.code, entry.status
		}
	}
	return "internal", http.StatusInternalServerError
}

// sentinel returns the error a wire code stands for, or nil.
func sentinel(code string) error {
	for _, entry := range errorCodes {
		if entry.code == code {
			return entry.err
		}
	}
	return nil
}
