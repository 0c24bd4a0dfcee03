package store

import (
	"errors"
	"fmt"
)

// ErrorKind classifies cache failures. Transient failures are retryable;
// corrupt ones require a rebuild from the raw event log.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindCorrupt
)

// CacheError wraps a storage-layer failure with its recovery class.
type CacheError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *CacheError) Error() string {
	kind := "transient"
	if e.Kind == KindCorrupt {
		kind = "corrupt"
	}
	return fmt.Sprintf("cache %s failure in %s: %v", kind, e.Op, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

func transientErr(op string, err error) error {
	return &CacheError{Kind: KindTransient, Op: op, Err: err}
}

func corruptErr(op string, err error) error {
	return &CacheError{Kind: KindCorrupt, Op: op, Err: err}
}

// IsCorrupt reports whether err is a corrupt-persistence failure.
func IsCorrupt(err error) bool {
	var ce *CacheError
	return errors.As(err, &ce) && ce.Kind == KindCorrupt
}

// IsTransient reports whether err is a retryable storage failure.
func IsTransient(err error) bool {
	var ce *CacheError
	return errors.As(err, &ce) && ce.Kind == KindTransient
}
