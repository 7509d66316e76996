// Package sched implements the preemptible round-robin task scheduler:
// task table, Ready/Blocked queues, the timer-driven quantum policy and the
// context-switch glue described in spec.md §4.5.
package sched

import (
	"github.com/VoltagedDebunked/kronosos/kernel/cpu"
	"github.com/VoltagedDebunked/kronosos/kernel/errors"
	"github.com/VoltagedDebunked/kronosos/kernel/irq"
	"github.com/VoltagedDebunked/kronosos/kernel/mem/pmm"
	"github.com/VoltagedDebunked/kronosos/kernel/mem/vmm"
)

const maxTasks = 256

// defaultQuantum is the number of ticks a non-idle task runs before it is
// preempted back onto the ready queue.
const defaultQuantum = 2

var (
	lock    spinlock
	table   [maxTasks]*Task
	nextTID TID = 1

	ready   readyQueue
	blocked blockedQueue

	current *Task
	idle    *Task

	ticks uint64

	switchContextFn       = cpu.SwitchContext
	restoreContextFn      = cpu.RestoreContext
	switchAddrSpaceFn     = vmm.SwitchAddressSpace
	deleteAddrSpaceFn     = vmm.DeleteAddressSpace
	getCurrentAddrSpaceFn = vmm.GetCurrentAddressSpace
	handleIRQFn           = irq.HandleIRQ
	frameAllocOne         = pmm.FrameAllocator.AllocOne
)

// Init zeros the task table, constructs the idle task and registers the
// timer tick callback. It must run after the VMM and IDT are up (spec.md
// §2's boot order: PFA → VMM → ... → scheduler init).
func Init() error {
	lock = spinlock{}
	table = [maxTasks]*Task{}
	nextTID = 1
	ready = readyQueue{}
	blocked = blockedQueue{}
	ticks = 0

	idle = &Task{
		TID:             0,
		Name:            "idle",
		State:           Running,
		BasePriority:    PriorityIdle,
		DynamicPriority: PriorityIdle,
		PML4:            getCurrentAddrSpaceFn(),
	}
	table[0] = idle
	current = idle

	handleIRQFn(irq.IRQTimer, timerIRQHandler)
	return nil
}

func timerIRQHandler(_ *irq.Frame, _ *irq.Regs) {
	ticks++
	onTick(ticks)
}

// onTick is the timer callback from spec.md §4.5: called every tick with
// the monotonic tick count, increments the running task's cpu_time and
// preempts it once its quantum has elapsed.
func onTick(tick uint64) {
	lock.acquire()
	running := current
	running.CPUTime++

	// idle has no quantum of its own to exhaust: it must give up the CPU
	// the instant a task is Ready, not wait for a CPUTime/Quantum
	// comparison that never applies to it.
	quantumElapsed := running != idle && running.CPUTime-running.LastSchedule >= running.Quantum
	idleShouldYield := running == idle && !ready.empty()
	needsReschedule := quantumElapsed || idleShouldYield
	if quantumElapsed {
		running.State = Ready
		ready.pushBack(running)
	}
	lock.release()

	if needsReschedule {
		scheduleNext()
	}
}

// scheduleNext disables interrupts, dequeues the ready head (or idle if
// empty), and context-switches into it. Interrupts are restored by the
// context switch via the saved RFLAGS, per spec.md §4.5.
func scheduleNext() {
	cpu.DisableInterrupts()

	lock.acquire()
	next := ready.popFront()
	if next == nil {
		next = idle
	}
	prev := current
	next.State = Running
	next.LastSchedule = next.CPUTime
	current = next
	lock.release()

	if prev == next {
		cpu.EnableInterrupts()
		return
	}

	switchAddrSpaceFn(next.PML4)
	if !next.started {
		next.started = true
		restoreContextFn(&next.Context)
		return
	}
	switchContextFn(&prev.Context, &next.Context)
}

// Yield moves current_task from Running to Ready and schedules the next
// ready task (spec.md §4.5).
func Yield() {
	lock.acquire()
	running := current
	running.State = Ready
	if running != idle {
		ready.pushBack(running)
	}
	lock.release()

	scheduleNext()
}

// TerminateTask sets the task Terminated, removes it from any queue and
// frees its address space and stack. It tolerates being called on the
// currently running task: the next schedule simply won't pick it again.
// The task slot itself is left in the table as a zombie until ReapTask
// collects its exit code, so a concurrent waitpid can still observe it.
func TerminateTask(tid TID, exitCode int32) error {
	lock.acquire()
	t := lookupLocked(tid)
	if t == nil {
		lock.release()
		return errors.ErrNotFound
	}

	switch t.State {
	case Ready:
		ready.remove(t)
	case Blocked:
		blocked.remove(t)
	}
	t.State = Terminated
	t.ExitCode = exitCode
	lock.release()

	if t != idle {
		if t.loadedImage != nil {
			t.loadedImage.Unload(t.PML4)
		}
		unmapUserStackFn(t.stack, t.PML4)
		_ = deleteAddrSpaceFn(t.PML4)
	}
	return nil
}

// ReapTask collects a Terminated task's exit code and frees its table slot
// so reserveSlot can reuse it. It returns errors.ErrNotReady if tid exists
// but hasn't terminated yet; callers implementing waitpid's busy-yield loop
// should keep calling Yield and retrying until this succeeds.
func ReapTask(tid TID) (int32, error) {
	lock.acquire()
	defer lock.release()

	t := lookupLocked(tid)
	if t == nil {
		return 0, errors.ErrNotFound
	}
	if t.State != Terminated {
		return 0, errors.ErrNotReady
	}
	for slot, candidate := range table {
		if candidate == t {
			table[slot] = nil
			break
		}
	}
	return t.ExitCode, nil
}

func lookupLocked(tid TID) *Task {
	if tid == 0 {
		return idle
	}
	// table is indexed by slot, not TID (slots are reused once a task is
	// reaped while TIDs keep counting up), so a linear scan is the only
	// correct lookup; maxTasks keeps it cheap.
	for _, t := range table {
		if t != nil && t.TID == tid {
			return t
		}
	}
	return nil
}

// GetCurrentTask returns the task presently Running.
func GetCurrentTask() *Task {
	lock.acquire()
	defer lock.release()
	return current
}

// GetTaskByID looks up a task by TID.
func GetTaskByID(tid TID) (*Task, error) {
	lock.acquire()
	defer lock.release()
	t := lookupLocked(tid)
	if t == nil {
		return nil, errors.ErrNotFound
	}
	return t, nil
}

// SetTaskPriority changes a task's dynamic priority.
func SetTaskPriority(tid TID, prio Priority) error {
	lock.acquire()
	defer lock.release()
	t := lookupLocked(tid)
	if t == nil {
		return errors.ErrNotFound
	}
	t.DynamicPriority = prio
	return nil
}

// BlockTask moves a Ready or Running task to Blocked and off the ready
// queue; a Blocked task only becomes Ready again via UnblockTask.
func BlockTask(tid TID) error {
	lock.acquire()
	t := lookupLocked(tid)
	if t == nil {
		lock.release()
		return errors.ErrNotFound
	}
	if t.State == Ready {
		ready.remove(t)
	}
	wasRunning := t.State == Running
	t.State = Blocked
	blocked.push(t)
	lock.release()

	if wasRunning {
		scheduleNext()
	}
	return nil
}

// UnblockTask moves a Blocked task back to Ready and enqueues it.
func UnblockTask(tid TID) error {
	lock.acquire()
	defer lock.release()
	t := lookupLocked(tid)
	if t == nil {
		return errors.ErrNotFound
	}
	if t.State != Blocked {
		return errors.ErrNotReady
	}
	blocked.remove(t)
	t.State = Ready
	ready.pushBack(t)
	return nil
}

// GetTaskList returns a snapshot of up to max live tasks.
func GetTaskList(max int) []Info {
	lock.acquire()
	defer lock.release()

	list := make([]Info, 0, max)
	for _, t := range table {
		if t == nil {
			continue
		}
		if len(list) >= max {
			break
		}
		list = append(list, t.info())
	}
	return list
}
