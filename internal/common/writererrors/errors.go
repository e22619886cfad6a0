// Package writererrors contains the errors returned by the event writer pipeline and reported through its
// completion reports. Callers inspect them with errors.As; every type supports unwrapping so that the storage
// error underneath a failed transaction stays reachable.
//
// Functions that hit several failures at once, e.g. closing several resources, should return a
// *multierror.Error from github.com/hashicorp/go-multierror encapsulating the individual errors.
package writererrors

import (
	"fmt"
	"time"
)

// ErrConfiguration is returned when the pipeline is constructed with invalid tuning parameters.
type ErrConfiguration struct {
	Name    string      // Name of the parameter, e.g., "insertSize"
	Value   interface{} // The rejected value
	Message string      // Optional explanation
}

func (err *ErrConfiguration) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("invalid configuration: %v is not a valid value for %s", err.Value, err.Name)
	}
	return fmt.Sprintf("invalid configuration: %v is not a valid value for %s; %s", err.Value, err.Name, err.Message)
}

// ErrConnection is returned when the storage backend could not be reached during construction.
type ErrConnection struct {
	Driver   string
	Attempts uint
	Cause    error
}

func (err *ErrConnection) Error() string {
	return fmt.Sprintf("could not connect to %s storage after %d attempt(s): %v", err.Driver, err.Attempts, err.Cause)
}

func (err *ErrConnection) Unwrap() error {
	return err.Cause
}

// ErrInvalidArgument is returned on invalid input to a pipeline operation.
// Message and Cause are optional and are omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the argument, e.g., "events[3].ParameterName"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
	Cause   error
}

func (err *ErrInvalidArgument) Error() string {
	s := fmt.Sprintf("value %v is invalid for argument %q", err.Value, err.Name)
	if err.Message != "" {
		s += "; " + err.Message
	}
	if err.Cause != nil {
		s += ": " + err.Cause.Error()
	}
	return s
}

func (err *ErrInvalidArgument) Unwrap() error {
	return err.Cause
}

// ErrInsert is a failure of a single multi-row insert inside a transaction.
type ErrInsert struct {
	Batch   int // Position of the batch within its transaction
	Records int // Number of records in the batch
	Cause   error
}

func (err *ErrInsert) Error() string {
	return fmt.Sprintf("insert of batch %d (%d records) failed: %v", err.Batch, err.Records, err.Cause)
}

func (err *ErrInsert) Unwrap() error {
	return err.Cause
}

// ErrTransaction is reported to a submission for every transaction that failed while holding some of its records.
// Records is the number of that submission's records lost; TotalRecords covers every submission in the transaction.
type ErrTransaction struct {
	Transaction  uint64
	Batches      int
	Records      int
	TotalRecords int
	// Transient is set when the cause looks like a network failure or a retryable database condition.
	// The pipeline never retries; callers may.
	Transient bool
	Time      time.Time
	Cause     error
}

func (err *ErrTransaction) Error() string {
	return fmt.Sprintf(
		"transaction %d failed; %d of its %d records (%d batches) belonged to this submission: %v",
		err.Transaction, err.Records, err.TotalRecords, err.Batches, err.Cause,
	)
}

func (err *ErrTransaction) Unwrap() error {
	return err.Cause
}

// ErrAlreadyShutdown is returned when an operation is attempted on a pipeline that has begun shutting down.
type ErrAlreadyShutdown struct {
	Operation string
}

func (err *ErrAlreadyShutdown) Error() string {
	if err.Operation == "" {
		return "pipeline is already shut down"
	}
	return fmt.Sprintf("cannot %s: pipeline is already shut down", err.Operation)
}
