package workflow

import "errors"

// Errors returned by graph operations
var (
	ErrUnknownKind   = errors.New("unknown node kind")
	ErrDuplicateNode = errors.New("node id already exists")
	ErrEmptyNodeID   = errors.New("node id is required")
	ErrNodeNotFound  = errors.New("node not found")
	ErrInvalidPatch  = errors.New("invalid configuration patch")
)
