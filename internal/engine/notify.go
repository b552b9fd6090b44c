package engine

import "quotawatch/internal/quota"

// Notifier receives the debounced low-quota warnings. The engine logs every
// warning itself; a notifier carries it to additional surfaces such as the
// websocket hub.
type Notifier interface {
	NotifyLowQuota(status quota.GroupStatus)
}

// NotifyFunc adapts a plain function to the Notifier interface.
type NotifyFunc func(status quota.GroupStatus)

// NotifyLowQuota calls f.
func (f NotifyFunc) NotifyLowQuota(status quota.GroupStatus) { f(status) }
