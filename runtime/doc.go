// Package runtime provides panic containment helpers for long-lived
// goroutines such as dispatcher and consumer loops.
package runtime
