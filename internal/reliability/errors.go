package reliability

import (
	"errors"
	"fmt"
	"net/http"
)

// RequestError tags a transport failure with the HTTP status that caused
// it. A zero status means the request never produced a response (network
// error, timeout, connection reset).
type RequestError struct {
	URL    string
	Status int
	Err    error
}

func (e *RequestError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("request %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("request %s: %v", e.URL, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Kind classifies a failed operation for retry purposes.
type Kind int

const (
	// KindTransient covers 5xx responses and network-level failures.
	KindTransient Kind = iota
	// KindRateLimited covers HTTP 429 and explicit rate-limit signals.
	KindRateLimited
	// KindPermanent covers 4xx responses other than 429; retrying cannot help.
	KindPermanent
)

// Classify maps an error onto the retry taxonomy. Errors without a
// RequestError in their chain are treated as transient.
func Classify(err error) Kind {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		switch {
		case reqErr.Status == http.StatusTooManyRequests:
			return KindRateLimited
		case reqErr.Status >= 500:
			return KindTransient
		case reqErr.Status >= 400:
			return KindPermanent
		}
	}
	return KindTransient
}

// IsRateLimited reports whether err carries an upstream rate-limit signal.
func IsRateLimited(err error) bool {
	return err != nil && Classify(err) == KindRateLimited
}

// IsPermanent reports whether err is a non-retryable transport failure.
func IsPermanent(err error) bool {
	return err != nil && Classify(err) == KindPermanent
}
