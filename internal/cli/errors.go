package cli

import "errors"

// Error variables for CLI operations.
var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config file")
	ErrDataFileEmpty      = errors.New("data_file cannot be empty")
	ErrIndexFileEmpty     = errors.New("index_file cannot be empty")
	ErrNegativeSetting    = errors.New("setting cannot be negative")
	ErrPoliciesExclusive  = errors.New("max_entries and max_memory are mutually exclusive")
	ErrInvalidLogLevel    = errors.New("invalid log_level")
	ErrNoCache            = errors.New("no cache index (run put or fill first)")
	ErrKeyNotFound        = errors.New("key not found")
	ErrKeyRequired        = errors.New("key is required")
	ErrValueRequired      = errors.New("value is required")
	ErrInvalidCount       = errors.New("count must be a positive integer")
	ErrTooManyArgs        = errors.New("too many arguments")
)
