// Package ir provides the shared data types of the engine: the row value
// model, log records and positions, changelog entries, checkpoints, and
// compiled continuous query definitions.
//
// This package contains type definitions only. All other internal packages
// import ir; ir imports nothing internal.
//
// Key design constraints:
//   - No float types anywhere; aggregation state must fold identically on replay
//   - Table keys are always the RFC 8785 canonical encoding of a Value
//   - All JSON tags use snake_case
//   - Ordering within a partition comes from log offsets, never wall-clock time
package ir
