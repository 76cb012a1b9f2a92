// Package vm implements the Kestrel virtual machine.
//
// This package contains:
//   - NaN-boxed value representation
//   - Pooled heap with reference-counted objects
//   - Cycle detection over the live heap
//   - Bytecode interpreter with inline caching
//   - Cooperative fibers
//   - Built-in native modules (core, os, grpc)
package vm
