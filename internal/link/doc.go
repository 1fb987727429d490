// Package link runs pipeline stages.
//
// Every link is driven by a Task: one goroutine with a bounded command
// mailbox that owns the link's lifecycle state and calls into a Driver, the
// stage-specific implementation. Only the task goroutine mutates link state.
//
// # Lifecycle
//
//	          CREATE            START
//	  idle ------------> ready --------> running
//	   ^                  |  ^             |
//	   +------ DELETE ----+  +---- STOP ---+
//
// Commands that are not legal in the current state are acknowledged with
// system.ErrInvalidState and change nothing. DELETE while running performs
// an implicit STOP first.
//
// # Data notifications
//
// NEW_DATA and RELEASE are not queued one per notification. A notification
// sets a pending bit and wakes the task; the task clears the bits and runs
// one batch per bit. Any number of notifications received while a batch is
// running result in exactly one further batch, and none is lost.
//
// # Example
//
//	task, err := link.New(reg, system.Entry{ID: id, Name: "cap0", Type: "nullsrc"}, driver, link.Options{})
//	if err != nil {
//		return err
//	}
//	task.Run(ctx)
//	_, err = task.Control(ctx, system.CmdCreate, nil)
package link
