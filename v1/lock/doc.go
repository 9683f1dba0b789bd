// Package lock implements the RFC 4918 locking protocol over a hierarchical
// path namespace. A Manager arbitrates exclusive and shared lock requests
// against explicit locks recorded at a path and implicit locks inherited from
// depth-infinity locks on its ancestors. Lock records live in an injected
// Store; the manager itself keeps no state between calls.
package lock
