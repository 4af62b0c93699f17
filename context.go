package phasync

// Context is a lifetime scope grouping a set of tasks (§3 Data Model).
// It is drained when its task set becomes empty, and it holds at most
// one aggregated (first-wins) unclaimed task error, surfaced from the
// Run call that owns it.
type Context struct {
	driver *Driver
	tasks  map[uint64]*task
	aggErr *ContextError
	root   *task // the task Run started fn in within this context, if any
}

func newContext(d *Driver) *Context {
	return &Context{driver: d, tasks: make(map[uint64]*task)}
}

func (c *Context) add(t *task) {
	c.tasks[t.id] = t
}

// remove deletes t from the context's task set and reports whether the
// context is now drained (empty).
func (c *Context) remove(t *task) (drained bool) {
	delete(c.tasks, t.id)
	return len(c.tasks) == 0
}

// setAggregateError records err as the context's aggregate exception if
// none has been recorded yet (first-wins, per the Context invariant).
func (c *Context) setAggregateError(taskID uint64, err error) {
	if c.aggErr == nil && err != nil {
		c.aggErr = &ContextError{TaskID: taskID, Cause: err}
	}
}

// Drained reports whether the context currently owns no live tasks.
func (c *Context) Drained() bool { return len(c.tasks) == 0 }
