package cache

import "errors"

// cache errors
var (
	ErrInvalidDataType = errors.New("invalid data type in redis")
	ErrTxConflict      = errors.New("redis transaction kept conflicting")
	ErrClientRequired  = errors.New("redis client is required")
)
