package errors

// ErrorCode identifies an error kind. Codes are logged as error_code.
type ErrorCode string

// Error is an error carrying a code and an optional payload
type Error interface {
	error
	Code() ErrorCode
	GetData() any
	Unwrap() error
}

// Factory creates coded errors
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
