package types

import "github.com/pkg/errors"

// Fatal error kinds (§7): anything that would leave the core incapable of
// honoring its invariants. These are wrapped with github.com/pkg/errors so
// callers retain a causal chain, the same convention the teacher uses in
// internal/keyGenerator/awsKms for its KMS calls.

// KeyStoreUnavailableError is raised when the OS secret store denies access.
type KeyStoreUnavailableError struct {
	cause error
}

func NewKeyStoreUnavailableError(cause error) error {
	return &KeyStoreUnavailableError{cause: errors.WithStack(cause)}
}

func (e *KeyStoreUnavailableError) Error() string {
	return errors.Wrap(e.cause, "key store unavailable").Error()
}

func (e *KeyStoreUnavailableError) Unwrap() error { return e.cause }

// EncryptionPolicyViolationError is raised in strict mode when a box's
// encryption state does not match its declared policy.
type EncryptionPolicyViolationError struct {
	Box    string
	Policy EncryptionPolicy
}

func (e *EncryptionPolicyViolationError) Error() string {
	return "encryption policy violation on box " + e.Box + ": policy=" + string(e.Policy)
}

// MigrationPolicyViolationError is raised when the stored schema version is
// newer than the running app's schema version (downgrade block).
type MigrationPolicyViolationError struct {
	Stored  int
	Current int
}

func (e *MigrationPolicyViolationError) Error() string {
	return errors.Errorf("stored schema version %d is newer than current app schema version %d", e.Stored, e.Current).Error()
}

// TransactionAbortedError wraps a journal write failure; callers must not
// observe partial state.
type TransactionAbortedError struct {
	cause error
}

func NewTransactionAbortedError(cause error) error {
	return &TransactionAbortedError{cause: errors.WithStack(cause)}
}

func (e *TransactionAbortedError) Error() string {
	return errors.Wrap(e.cause, "transaction aborted").Error()
}

func (e *TransactionAbortedError) Unwrap() error { return e.cause }

// TransactionRejectedError is raised for policy violations such as touching
// an unknown box.
type TransactionRejectedError struct {
	Reason string
}

func (e *TransactionRejectedError) Error() string {
	return "transaction rejected: " + e.Reason
}
