// Package objectstore defines the blob store holding intermediate artifacts
// produced by step executors (tables, charts, suspended plans).
//
// Objects are addressed by opaque ids of the form "obj_<8 hex>" and expire
// after a store-defined TTL. Expired objects behave exactly like unknown ones.
package objectstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

type (
	// Object is an immutable artifact payload.
	Object struct {
		// ContentType is the MIME type of Data (e.g. "application/json",
		// "image/png").
		ContentType string
		// Data is the raw payload.
		Data []byte
	}

	// Store persists objects with expiry.
	Store interface {
		// Save stores obj and returns its newly assigned id.
		Save(ctx context.Context, obj Object) (string, error)
		// Get returns the object stored under id. Returns ErrNotFound when the
		// id is unknown or expired.
		Get(ctx context.Context, id string) (Object, error)
	}
)

const (
	// DefaultTTL is the expiry applied when a store is built without one.
	DefaultTTL = 24 * time.Hour

	// ContentTypeJSON identifies JSON payloads such as tables and plans.
	ContentTypeJSON = "application/json"

	idPrefix = "obj_"
)

// ErrNotFound indicates the object does not exist or has expired.
var ErrNotFound = errors.New("object not found")

// NewID returns a fresh object id.
func NewID() string {
	return idPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// IsID reports whether id looks like an object id. It only checks the shape.
func IsID(id string) bool {
	if len(id) != len(idPrefix)+8 || !strings.HasPrefix(id, idPrefix) {
		return false
	}
	for _, r := range id[len(idPrefix):] {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}

// Clone returns a copy of o that shares no memory with it.
func (o Object) Clone() Object {
	o.Data = append([]byte(nil), o.Data...)
	return o
}
