// Package ipc implements the shared-memory transport used by link pairs that
// run on different cores.
//
// A Channel lives in one Region and holds:
//
//	+-------------------+  A->B IndexRing: indices of records ready for the consumer
//	| ring header | u32 |
//	+-------------------+  B->A IndexRing: indices the consumer has released
//	| ring header | u32 |
//	+-------------------+  RecordTable: N fixed-size buffer records
//	| record 0..N-1     |
//	+-------------------+
//
// Only record indices cross the boundary. Every header and record field is
// read and written through fenced accessors, and payload bytes are copied
// before the ring write that publishes them, so a consumer that observes an
// index also observes its record.
package ipc
