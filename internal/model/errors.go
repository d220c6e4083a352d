package model

import (
	"errors"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrUnsupportedRoot = errors.New("unsupported root")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrInvalidConfig   = errors.New("invalid config")
)
