// Package permission evaluates role-ordered authorization decisions.
//
// Roles form a strict total order registered at construction time. A caller
// satisfies a requirement when its role ranks at or above the required role.
// Resource ownership is an extra constraint for low-ranked callers; roles at
// or above the configured bypass rank act on any resource.
//
// # Architecture boundaries
//
// This package is a pure in-memory data structure with no I/O. It does not
// parse tokens; the Engine passes the already-validated caller in.
//
// # What this package must NOT do
//
//   - Access Redis, databases, or the network.
//   - Import goIdentity, jwt, or session.
//   - Change the role order after [Hierarchy.Freeze].
package permission
