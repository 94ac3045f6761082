package domain

import "fmt"

// Channels resolves broker channel and key names under a configured prefix.
//
// Two addressing schemes coexist: a global channel receiving every update and
// a per-task channel receiving only that task's updates. Publishing to the
// two is never atomic.
type Channels struct {
	prefix string
}

func NewChannels(prefix string) Channels {
	if prefix == "" {
		prefix = "task-status-updates"
	}
	return Channels{prefix: prefix}
}

// Global returns the channel carrying every status update.
func (c Channels) Global() string {
	return c.prefix
}

// Task returns the channel carrying a single task's updates.
func (c Channels) Task(taskID string) string {
	return fmt.Sprintf("%s:%s", c.prefix, taskID)
}

// Queue returns the list key backing the task queue.
func (c Channels) Queue() string {
	return fmt.Sprintf("%s:queue", c.prefix)
}

// Control returns the channel carrying revocation requests to workers.
func (c Channels) Control() string {
	return fmt.Sprintf("%s:control", c.prefix)
}

// Revoked returns the key marking a task as revoked.
func (c Channels) Revoked(taskID string) string {
	return fmt.Sprintf("%s:revoked:%s", c.prefix, taskID)
}
