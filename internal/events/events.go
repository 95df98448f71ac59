// Package events defines the event subjects emitted by workspaced.
package events

// Workspace lifecycle subjects.
const (
	SessionCreated = "workspace.session.created"
	SessionEvicted = "workspace.session.evicted"
	ChangeCaptured = "workspace.change.captured"
	CloneCompleted = "workspace.clone.completed"
)
