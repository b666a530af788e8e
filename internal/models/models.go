package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type RequestState string

const (
	RequestActive   RequestState = "active"
	RequestAccepted RequestState = "accepted"
	RequestTimeout  RequestState = "timeout"
	RequestRiding   RequestState = "riding"
	RequestDropOff  RequestState = "drop-off"
)

// Timeout reasons recorded on a Request that ends in RequestTimeout.
const (
	ReasonNoIdleWorkers = "no_idle_riders"
	ReasonNoAcceptance  = "no_acceptance"
	ReasonStale         = "stale"
)

type WorkerState string

const (
	WorkerIdle      WorkerState = "idle"
	WorkerRequested WorkerState = "requested"
	WorkerPickup    WorkerState = "pickup"
	WorkerRiding    WorkerState = "riding"
)

type NotificationState string

const (
	NotificationActive    NotificationState = "active"
	NotificationAccepted  NotificationState = "accepted"
	NotificationRejected  NotificationState = "rejected"
	NotificationTimeout   NotificationState = "timeout"
	NotificationFilled    NotificationState = "filled"
	NotificationRiding    NotificationState = "riding"
	NotificationCancelled NotificationState = "cancelled"
	NotificationComplete  NotificationState = "complete"
)

// Open reports whether the offer still ties its worker to the request.
func (s NotificationState) Open() bool {
	switch s {
	case NotificationActive, NotificationAccepted, NotificationRiding:
		return true
	}
	return false
}

// Request is a ride request tracking its own matching state.
type Request struct {
	ID               string          `json:"id"`
	State            RequestState    `json:"state"`
	Pickup           Coord           `json:"location"`
	Destination      Coord           `json:"destination"`
	CreatedAt        time.Time       `json:"created_at"`
	ReactivatedAt    *time.Time      `json:"reactivated_at,omitempty"`
	AcceptedWorkerID string          `json:"accepted_by,omitempty"`
	AcceptedAt       *time.Time      `json:"accepted_at,omitempty"`
	Worker           *WorkerSnapshot `json:"worker,omitempty"`
	TimedOutAt       *time.Time      `json:"timed_out_at,omitempty"`
	TimeoutReason    string          `json:"timeout_reason,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	Metrics          *RideMetrics    `json:"metrics,omitempty"`
	Meta             map[string]any  `json:"meta,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ActivatedAt is the start of the current matching cycle: the last
// re-activation if there was one, otherwise creation time.
func (r *Request) ActivatedAt() time.Time {
	if r.ReactivatedAt != nil && r.ReactivatedAt.After(r.CreatedAt) {
		return *r.ReactivatedAt
	}
	return r.CreatedAt
}

// Ride returns the snapshot embedded into notifications and worker status.
func (r *Request) Ride() RideSnapshot {
	return RideSnapshot{
		RequestID:   r.ID,
		Timestamp:   r.CreatedAt,
		Pickup:      r.Pickup,
		Destination: r.Destination,
	}
}

func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	cp := *r
	cp.ReactivatedAt = cloneTime(r.ReactivatedAt)
	cp.AcceptedAt = cloneTime(r.AcceptedAt)
	cp.TimedOutAt = cloneTime(r.TimedOutAt)
	cp.CompletedAt = cloneTime(r.CompletedAt)
	cp.Worker = r.Worker.Clone()
	if r.Metrics != nil {
		m := *r.Metrics
		cp.Metrics = &m
	}
	if r.Meta != nil {
		cp.Meta = make(map[string]any, len(r.Meta))
		for k, v := range r.Meta {
			cp.Meta[k] = v
		}
	}
	return &cp
}

type RideMetrics struct {
	Pickup Leg `json:"pickup"`
	Riding Leg `json:"riding"`
	Total  Leg `json:"total"`
}

type Leg struct {
	TimeMs         int64 `json:"time_ms"`
	DistanceMeters int64 `json:"distance_meters"`
}

// WorkerProfile is maintained by worker-side location reporting.
type WorkerProfile struct {
	ID                string    `json:"id"`
	DisplayName       string    `json:"name"`
	Location          *Coord    `json:"location,omitempty"`
	LocationUpdatedAt time.Time `json:"location_updated_at"`
}

// Fresh reports whether the profile's location was refreshed within window.
func (p *WorkerProfile) Fresh(now time.Time, window time.Duration) bool {
	if p.Location == nil || p.LocationUpdatedAt.IsZero() {
		return false
	}
	return now.Sub(p.LocationUpdatedAt) <= window
}

func (p *WorkerProfile) Clone() *WorkerProfile {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Location != nil {
		loc := *p.Location
		cp.Location = &loc
	}
	return &cp
}

// WorkerStatus is the single status document per worker.
type WorkerStatus struct {
	WorkerID  string        `json:"worker_id"`
	State     WorkerState   `json:"state"`
	RequestID string        `json:"request_id,omitempty"`
	Ride      *RideSnapshot `json:"ride_request,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// IdleStatus is the implicit status of a worker with no status document.
func IdleStatus(workerID string) *WorkerStatus {
	return &WorkerStatus{WorkerID: workerID, State: WorkerIdle}
}

func (s *WorkerStatus) Clone() *WorkerStatus {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Ride != nil {
		r := *s.Ride
		cp.Ride = &r
	}
	return &cp
}

// Notification is a per-(request, worker) offer.
type Notification struct {
	ID         string            `json:"id"`
	RequestID  string            `json:"request_id"`
	WorkerID   string            `json:"worker_id"`
	State      NotificationState `json:"state"`
	CreatedAt  time.Time         `json:"created_at"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
	AcceptedAt *time.Time        `json:"accepted_at,omitempty"`
	Ride       RideSnapshot      `json:"ride"`
	Worker     WorkerSnapshot    `json:"worker"`
}

func (n *Notification) Clone() *Notification {
	if n == nil {
		return nil
	}
	cp := *n
	cp.ResolvedAt = cloneTime(n.ResolvedAt)
	cp.AcceptedAt = cloneTime(n.AcceptedAt)
	if w := n.Worker.Clone(); w != nil {
		cp.Worker = *w
	}
	return &cp
}

type RideSnapshot struct {
	RequestID   string    `json:"request_id"`
	Timestamp   time.Time `json:"timestamp"`
	Pickup      Coord     `json:"location"`
	Destination Coord     `json:"destination"`
}

type WorkerSnapshot struct {
	WorkerID    string     `json:"uid"`
	DisplayName string     `json:"name"`
	Location    *Coord     `json:"location,omitempty"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
}

func (w *WorkerSnapshot) Clone() *WorkerSnapshot {
	if w == nil {
		return nil
	}
	cp := *w
	if w.Location != nil {
		loc := *w.Location
		cp.Location = &loc
	}
	cp.AssignedAt = cloneTime(w.AssignedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Transition moves n to state, stamping AcceptedAt or ResolvedAt.
func (n *Notification) Transition(state NotificationState, at time.Time) {
	n.State = state
	switch state {
	case NotificationActive:
	case NotificationAccepted:
		n.AcceptedAt = &at
	default:
		n.ResolvedAt = &at
	}
}
