package sched

import (
	"github.com/VoltagedDebunked/kronosos/kernel/cpu"
	"github.com/VoltagedDebunked/kronosos/kernel/mem"
	"github.com/VoltagedDebunked/kronosos/kernel/mem/pmm"
)

// TID is a task identifier. 0 is reserved for the idle task; every other
// task gets a monotonically increasing value from newTID.
type TID uint32

// State is a task's position in the scheduler's state machine.
type State uint8

const (
	New State = iota
	Ready
	Running
	Blocked
	Terminated
)

func (s State) String() string {
	switch s {
	case New:
		return "new"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Priority selects how eagerly a task is favored by future scheduling
// policy refinements; the round-robin policy in sched.go only special-cases
// Idle (never enqueued, only run when the ready queue is empty).
type Priority uint8

const (
	PriorityIdle Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityRealtime
)

const maxNameLen = 31

// Task is one schedulable unit of execution: an address space, a stack, a
// saved CPU context and the bookkeeping the round-robin policy needs.
type Task struct {
	TID             TID
	Name            string
	State           State
	BasePriority    Priority
	DynamicPriority Priority

	Quantum      uint64
	CPUTime      uint64
	LastSchedule uint64
	StartTime    uint64
	ExitCode     int32

	Argc int32
	Argv []string
	Envp []string

	PML4        pmm.Frame
	StackTop    uintptr
	StackSize   mem.Size
	stack       userStack
	loadedImage LoadedImage

	// Brk is the highest address mapped by the loaded image, the initial
	// value sys_brk reports and grows from.
	Brk uintptr

	Context cpu.Context
	// started is false until the task's first dispatch; scheduleNext uses
	// it to pick RestoreContext (land at the ELF entry point) instead of
	// SwitchContext (resume mid-function) for that first run.
	started bool

	// next/prev link this task into the doubly linked ready queue; unused
	// while the task is Running, Blocked or Terminated.
	next, prev *Task
	// nextBlocked links this task into the singly linked blocked queue.
	nextBlocked *Task
}

func truncateName(name string) string {
	if len(name) > maxNameLen {
		return name[:maxNameLen]
	}
	return name
}

// Info is the read-only snapshot returned by GetTaskList; it never aliases
// the live Task so callers can't corrupt scheduler state through it.
type Info struct {
	TID      TID
	Name     string
	State    State
	Priority Priority
	CPUTime  uint64
	ExitCode int32
}

func (t *Task) info() Info {
	return Info{
		TID:      t.TID,
		Name:     t.Name,
		State:    t.State,
		Priority: t.DynamicPriority,
		CPUTime:  t.CPUTime,
		ExitCode: t.ExitCode,
	}
}
