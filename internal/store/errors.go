package store

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Lookup errors
	ErrRecordNotFound = errors.New("call record not found")

	// ErrSchema means the database rejected the shape of a query. It points at
	// a deployment problem, not at anything the user did.
	ErrSchema = errors.New("call store schema mismatch")

	// Write errors
	ErrAlreadyEnded = errors.New("call already ended")
	ErrAlreadySet   = errors.New("session description already set")
	ErrInvalidRole  = errors.New("invalid role")
)

var schemaMarkers = []string{
	"no such table",
	"no such column",
	"has no column named",
	"constraint failed",
	"datatype mismatch",
}

// wrap classifies a driver error, tagging schema drift with ErrSchema.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, m := range schemaMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%s: %w: %v", op, ErrSchema, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
