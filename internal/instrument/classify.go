package instrument

import "errors"

type classifiedError struct {
	errType string
	err     error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Classify tags err with errType for error accounting. errors.Is and
// errors.As still see through to err. A nil err stays nil.
func Classify(errType string, err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{errType: errType, err: err}
}

// ErrorType reports the classification of err, or DefaultErrorType.
func ErrorType(err error) string {
	var ce *classifiedError
	if errors.As(err, &ce) && ce.errType != "" {
		return ce.errType
	}
	return DefaultErrorType
}
