package domain

import "errors"

// Sentinel errors shared by every layer. Wrap them with fmt.Errorf("...: %w")
// and test with errors.Is.
var (
	// ErrInvalidCredentials is returned for a wrong password or account secret.
	// It never says which factor was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNoIdentity means no identity has been created on this device.
	ErrNoIdentity = errors.New("no identity on this device")
	// ErrDuplicateIdentity means an identity already exists on this device.
	ErrDuplicateIdentity = errors.New("identity already exists")
	// ErrNotAuthenticated means the identity is locked or the relay session is missing.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrWeakPassword is returned when a new password fails the policy.
	ErrWeakPassword = errors.New("password is too weak")

	// ErrInvalidKey is returned for keys of the wrong size or low-order points.
	ErrInvalidKey = errors.New("invalid key")
	// ErrAuthenticationFailure is any AEAD open failure: tag mismatch, wrong key, truncation.
	ErrAuthenticationFailure = errors.New("message authentication failed")
	// ErrMalformedPayload means the decrypted bytes are not a valid payload.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrTransportUnavailable means no route could reach the relay.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrUnknownSender means there is no public key on record for the sender.
	ErrUnknownSender = errors.New("unknown sender")
	// ErrRateLimited means the relay refused the request for now.
	ErrRateLimited = errors.New("rate limited")
	// ErrRegistryLookupFailed means the registry has no such account or the lookup failed.
	ErrRegistryLookupFailed = errors.New("registry lookup failed")

	// ErrInvalidHandle is returned for strings that are not well-formed handles.
	ErrInvalidHandle = errors.New("invalid handle")
	// ErrHandleTaken means the registry already holds the requested handle.
	ErrHandleTaken = errors.New("handle already taken")
)
