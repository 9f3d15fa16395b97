// Package suspend implements the suspension unit: one handler invocation that
// can park at a nested request and be resumed later by an external driver.
//
// A Unit runs its Func on a dedicated goroutine. Each time the handler calls
// Caller.Call or Caller.Yield, the goroutine publishes a Yield and blocks on a
// channel; the driver (see package streaminghttp) decides when and with what
// value to resume it. Start and Resume block until the handler yields again or
// returns, so handler code and driver code never run concurrently.
//
// State machine:
//
//	Running --Call/Yield--> AwaitingReply --Resume--> Running
//	Running --return/panic--> Terminated
//
// Terminated is final; Resume on a terminated unit does nothing.
package suspend
