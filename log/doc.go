// Package log defines the structured logging interface used across the
// delivery pipeline, together with typed logging fields.
//
// Adapters (such as the zap package) implement Logger so pipeline components
// stay decoupled from any concrete logging backend.
package log
