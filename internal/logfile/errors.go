package logfile

import "codeberg.org/mutker/venuslog/internal/errors"

const (
	ErrInvalidConfig  = errors.ErrInvalidConfig
	ErrDirNotWritable = errors.ErrorCode("logfile_dir_not_writable")
	ErrRotateFailed   = errors.ErrorCode("logfile_rotate_failed")
	ErrWriteFailed    = errors.ErrorCode("logfile_write_failed")
	ErrCloseFailed    = errors.ErrorCode("logfile_close_failed")
	ErrWriterClosed   = errors.ErrorCode("logfile_writer_closed")
)
