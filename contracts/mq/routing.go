package mq

// Routing keys on the mailpilot topic exchange
const (
	RoutingSyncRequested       = "sync.requested"
	RoutingStyleLearnRequested = "style.learn.requested"
	RoutingNotificationCreated = "notification.created"
)

// Worker queues, one per routing key
const (
	QueueSyncRequested       = "mailpilot.sync.q"
	QueueStyleLearnRequested = "mailpilot.style.q"
	QueueNotificationCreated = "mailpilot.notify.q"
)
