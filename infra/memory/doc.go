// Package memory provides the record pools used on the hot path.
//
// Pool[T] is a bounded slot arena: records are preallocated, handed out
// with Acquire and handed back with Release. Every slot carries an owned
// bit so a double release is caught instead of corrupting the free list.
// BufferPool groups byte buffers by power-of-two size class, and
// RetireRing defers the release of records that are still being read by
// the goroutine that retired them.
//
// The package has no dependencies outside the standard library and
// keeps no global state; every pool is an explicit instance.
package memory
