package redis

import "github.com/example/ride-dispatch/internal/models"

// DefaultKeyPrefix namespaces every key and channel the store touches.
const DefaultKeyPrefix = "ridedispatch:"

type keys struct {
	prefix string
}

func (k keys) request(id string) string { return k.prefix + "request:" + id }

// requestsByState is the Set of request IDs currently in state.
func (k keys) requestsByState(state models.RequestState) string {
	return k.prefix + "requests_by_state:" + string(state)
}

func (k keys) profile(id string) string { return k.prefix + "profile:" + id }
func (k keys) profileIDs() string       { return k.prefix + "profile_ids" }

func (k keys) status(id string) string { return k.prefix + "status:" + id }
func (k keys) statusIDs() string       { return k.prefix + "status_ids" }

func (k keys) notification(id string) string { return k.prefix + "notification:" + id }

// notificationsByRequest is the Set of notification IDs for one request.
func (k keys) notificationsByRequest(requestID string) string {
	return k.prefix + "notif_by_request:" + requestID
}

// openNotificationsByWorker holds the worker's notifications whose state
// is Open. An entry leaves the set when its notification closes.
func (k keys) openNotificationsByWorker(workerID string) string {
	return k.prefix + "notif_open_by_worker:" + workerID
}

// Change channels. A message carries no payload; watchers re-read.

func (k keys) profileChannel(id string) string { return k.prefix + "changes:profile:" + id }
func (k keys) statusChannel(id string) string  { return k.prefix + "changes:status:" + id }
func (k keys) notificationsChannel(requestID string) string {
	return k.prefix + "changes:notifications:" + requestID
}
