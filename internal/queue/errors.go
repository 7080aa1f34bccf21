package queue

import "errors"

var (
	ErrQueueNotFound      = errors.New("queue not found")
	ErrQueueAlreadyExists = errors.New("queue already exists")
	ErrValidationFailed   = errors.New("validation failed")
	// ErrLeaseNotFound marks an ack or nack of an id with no active lease.
	// Ack and Nack report it as a false result instead of an error.
	ErrLeaseNotFound = errors.New("lease not found")
)

// ReasonLeaseExpired is the nack reason recorded when a lease runs out.
const ReasonLeaseExpired = "lease expired"
