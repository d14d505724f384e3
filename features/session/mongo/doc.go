// Package mongo implements session.Store on MongoDB. Each session is one
// document; mutations are compare-and-set updates guarded by a version
// counter so lifecycle checks and writes stay atomic per session.
package mongo
