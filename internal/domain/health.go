package domain

// Health is the live status of a declared listener. It is always
// recomputed against the driver and never stored.
type Health string

const (
	Healthy   Health = "healthy"
	Unhealthy Health = "unhealthy"
)

// HealthReason explains an unhealthy listener.
type HealthReason string

const (
	ReasonWindowNotFound    HealthReason = "window_not_found"
	ReasonProbeFailed       HealthReason = "probe_failed"
	ReasonDriverUnreachable HealthReason = "driver_unreachable"
)
