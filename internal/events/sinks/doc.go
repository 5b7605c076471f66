// Package sinks contains event.Sink implementations.
package sinks
