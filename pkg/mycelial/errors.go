package mycelial

import "errors"

var (
	ErrNilEndpoint  = errors.New("node endpoint is nil")
	ErrNilNode      = errors.New("node is nil")
	ErrEmptyName    = errors.New("node name is empty")
	ErrNodeExists   = errors.New("node already exists")
	ErrNodeNotFound = errors.New("node not found")
	ErrPoolClosed   = errors.New("async pool closed")
	ErrPending      = errors.New("operation still pending")
)
