// Package memory provides the low-level primitives the matching core is
// built on: a lock-free fixed-capacity slot pool and a wait-free bounded
// single-producer/single-consumer ring.
//
// Neither structure allocates after construction. Ownership rules are
// documented per type; the caller is responsible for honoring them.
package memory
