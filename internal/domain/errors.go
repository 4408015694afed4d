package domain

import "fmt"

// DataError marks a record payload that cannot be parsed. Retrying would
// reproduce the same payload, so these are skipped without retry.
type DataError struct {
	RecordID string
	Reason   string
}

func (e *DataError) Error() string {
	return fmt.Sprintf("malformed record %s: %s", e.RecordID, e.Reason)
}

// LocalIOError marks a local filesystem failure (checkpoint write,
// attachment disk). Continuing would silently lose progress, so these are
// fatal for the current phase.
type LocalIOError struct {
	Path string
	Err  error
}

func (e *LocalIOError) Error() string {
	return fmt.Sprintf("local io %s: %v", e.Path, e.Err)
}

func (e *LocalIOError) Unwrap() error {
	return e.Err
}
