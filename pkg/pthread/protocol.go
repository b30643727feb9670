package pthread

import (
	"github.com/fluxorio/pthreads/pkg/core/concurrency"
	"github.com/fluxorio/pthreads/pkg/proxy"
	"github.com/fluxorio/pthreads/pkg/shm"
)

// Envelope is one protocol message. A non-zero Target names the thread
// that must handle it; a receiver that does not host Target forwards the
// same envelope, transfer list included.
type Envelope struct {
	Target   shm.Handle
	Transfer []*Transferable
	Cmd      Command
}

// Command is the closed set of protocol commands.
type Command interface {
	// Name is the command's wire tag, used in logs and metrics.
	Name() string
	isCommand()
}

// Load is the one-time bootstrap instruction sent to a new unit.
type Load struct {
	Region *shm.Region
	Image  Image
	Env    Env
}

// Loaded acknowledges a finished bootstrap.
type Loaded struct{}

// Run starts a thread on the receiving unit.
type Run struct {
	Thread  shm.Handle
	Routine uint32
	Arg     uint64
}

// Spawn asks the coordinator to start a thread. Reply receives the status
// as an int32; a nil Reply marks an asynchronous spawn.
type Spawn struct {
	Thread  shm.Handle
	Routine uint32
	Arg     uint64
	Reply   concurrency.Mailbox
}

// Cleanup returns the unit hosting Thread to the idle pool.
type Cleanup struct {
	Thread shm.Handle
}

// Kill destroys the unit hosting Thread.
type Kill struct {
	Thread shm.Handle
}

// Cancel delivers a cooperative cancellation request to Thread.
type Cancel struct {
	Thread shm.Handle
}

// ProcessQueue tells the receiver to drain Queue.
type ProcessQueue struct {
	Queue *proxy.TaskQueue
}

// Print carries diagnostic output from a thread.
type Print struct {
	Stream Stream
	Thread shm.Handle
	Text   string
}

// WorkerError reports a fatal unit fault to the coordinator.
type WorkerError struct {
	Fault *WorkerFault
}

// CallMain invokes a main function table entry. Args holds the index and
// arguments as produced by the runtime's Marshaller. Reply receives a
// callResult; nil means fire and forget.
type CallMain struct {
	Args  []byte
	Reply concurrency.Mailbox
}

// ExitProcess stops the runtime with Code.
type ExitProcess struct {
	Code int
}

func (*Load) Name() string         { return "load" }
func (*Loaded) Name() string       { return "loaded" }
func (*Run) Name() string          { return "run" }
func (*Spawn) Name() string        { return "spawnThread" }
func (*Cleanup) Name() string      { return "cleanupThread" }
func (*Kill) Name() string         { return "killThread" }
func (*Cancel) Name() string       { return "cancelThread" }
func (*ProcessQueue) Name() string { return "processProxyingQueue" }
func (*Print) Name() string        { return "print" }
func (*WorkerError) Name() string  { return "workerError" }
func (*CallMain) Name() string     { return "callMain" }
func (*ExitProcess) Name() string  { return "exitProcess" }

func (*Load) isCommand()         {}
func (*Loaded) isCommand()       {}
func (*Run) isCommand()          {}
func (*Spawn) isCommand()        {}
func (*Cleanup) isCommand()      {}
func (*Kill) isCommand()         {}
func (*Cancel) isCommand()       {}
func (*ProcessQueue) isCommand() {}
func (*Print) isCommand()        {}
func (*WorkerError) isCommand()  {}
func (*CallMain) isCommand()     {}
func (*ExitProcess) isCommand()  {}

// callResult is the reply to a synchronous CallMain.
type callResult struct {
	Value float64
	Err   error
}

// commandName tolerates nil commands in logs.
func commandName(c Command) string {
	if c == nil {
		return "<nil>"
	}
	return c.Name()
}
