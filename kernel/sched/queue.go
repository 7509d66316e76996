package sched

// readyQueue is the FIFO doubly linked ready list from spec.md §4.5: a task
// just preempted is enqueued at the tail and is the last to re-run among
// tasks already waiting.
type readyQueue struct {
	head, tail *Task
}

func (q *readyQueue) empty() bool {
	return q.head == nil
}

func (q *readyQueue) pushBack(t *Task) {
	t.next, t.prev = nil, nil
	if q.tail == nil {
		q.head, q.tail = t, t
		return
	}
	t.prev = q.tail
	q.tail.next = t
	q.tail = t
}

func (q *readyQueue) popFront() *Task {
	t := q.head
	if t == nil {
		return nil
	}
	q.head = t.next
	if q.head != nil {
		q.head.prev = nil
	} else {
		q.tail = nil
	}
	t.next, t.prev = nil, nil
	return t
}

// remove unlinks t from the queue if it is present. Used by terminate_task
// to pull a task out of the ready queue outside of its turn.
func (q *readyQueue) remove(t *Task) {
	if t.prev == nil && q.head != t {
		// Not linked into this queue at all.
		return
	}
	if t.prev != nil {
		t.prev.next = t.next
	} else if q.head == t {
		q.head = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	} else if q.tail == t {
		q.tail = t.prev
	}
	t.next, t.prev = nil, nil
}

// blockedQueue is the singly linked list of Blocked tasks (spec.md §3).
type blockedQueue struct {
	head *Task
}

func (q *blockedQueue) push(t *Task) {
	t.nextBlocked = q.head
	q.head = t
}

func (q *blockedQueue) remove(t *Task) bool {
	if q.head == t {
		q.head = t.nextBlocked
		t.nextBlocked = nil
		return true
	}
	for cur := q.head; cur != nil; cur = cur.nextBlocked {
		if cur.nextBlocked == t {
			cur.nextBlocked = t.nextBlocked
			t.nextBlocked = nil
			return true
		}
	}
	return false
}
