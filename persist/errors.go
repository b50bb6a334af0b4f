package persist

import "errors"

// persist errors
var (
	ErrDBRequired        = errors.New("database pool is required")
	ErrNamespaceRequired = errors.New("store namespace is required")
)
