// Package opentelemetry holds small helpers shared by components that emit
// spans, so error recording stays consistent across the pipeline.
package opentelemetry
