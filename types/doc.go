// Package types provides core type definitions and interfaces for the decomp library.
//
// This package contains shared types that are used across multiple packages in the
// decomp library. By keeping these types in a separate package, we avoid import cycles
// between the main decomp package and its internal implementations.
//
// Key types:
//   - Entity, GasData, SinkData: general and extension records held by a rank
//   - Kind: entity type tag
//   - Objective: load-balancing objective (work or count)
//   - Segment: contiguous leaf range assigned to a rank
//   - Communicator: message-passing primitives between ranks
//   - Allocator: named allocation accounting with a byte ceiling
//   - Logger: Structured logging interface
//   - MetricsCollector: Metrics recording interface
package types
