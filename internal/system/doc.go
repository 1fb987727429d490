// Package system defines the contract shared by every pipeline stage.
//
// A pipeline is a chain of links. Each link owns the buffers it produces and
// exposes them to its downstream neighbor through a pull model:
//
//	upstream                         downstream
//	--------                         ----------
//	GetEmpty -> fill -> PutFull
//	Registry.SendCommand(next, CmdNewData) ---->
//	                                 GetFullBuffers(prev, queue)
//	                                 ... process ...
//	                                 PutEmptyBuffers(prev, queue, list)
//
// Only the NEW_DATA notification travels through a link's command mailbox.
// Buffers move by direct, non-blocking calls on the neighbor's Link
// implementation, looked up through the Registry.
//
// Backpressure (no empty buffer, ring full) is reported with boolean or
// status returns and turned into drop counters by the caller. Misuse of the
// protocol, such as returning a buffer that was never handed out, panics with
// a *ProtocolViolation.
package system
