// Package mongo registers MongoDB-backed execution tracking for the analyst
// runtime.
//
// Use clients/mongo to build the low-level client and pass it to NewStore to
// obtain a tracker.Tracker that persists one document per session.
package mongo
