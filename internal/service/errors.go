package service

// HTTPError carries an HTTP status code and a message that is safe to put in
// the response body. The wrapped error holds the full internal detail and is
// only ever logged, never surfaced to the caller.
type HTTPError struct {
	StatusCode int
	Message    string
	Wrapped    error
}

func (e *HTTPError) Error() string {
	if e.Wrapped != nil {
		return e.Wrapped.Error()
	}
	return e.Message
}

func (e *HTTPError) Unwrap() error {
	return e.Wrapped
}

func httpError(statusCode int, message string, err error) *HTTPError {
	return &HTTPError{
		StatusCode: statusCode,
		Message:    message,
		Wrapped:    err,
	}
}
