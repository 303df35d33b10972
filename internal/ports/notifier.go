package ports

import "guildsync/internal/types"

// Notifier accepts committed change events. Notify never blocks on delivery.
type Notifier interface {
	Notify(event types.NotificationEvent) types.NotifyOutcome
}
