// Package mempool is a user-space memory pool allocator for long-running
// processes that allocate and free many small-to-medium objects without
// wanting to round-trip through the OS allocator on every call.
//
// A Pool reserves one or more backing regions up front (internal/region),
// services variable-size requests from a boundary-tag free-list heap
// (internal/heap), and optionally fast-paths fixed-size requests through a
// slab-backed class table (internal/class). On exhaustion a pool grows by
// allocating and chaining another region rather than failing.
package mempool
