// Package health tracks per-relay connectivity and folds it into a single
// engine status for the HTTP surface.
package health

import (
	"regexp"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Status is the health of one relay, or of the engine with the relays
// listed in SubStatuses
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	Failures    int       `json:"failures,omitempty"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

func (s Status) IsHealthy() bool   { return s.Status == StatusHealthy }
func (s Status) IsDegraded() bool  { return s.Status == StatusDegraded }
func (s Status) IsUnhealthy() bool { return s.Status == StatusUnhealthy }

func newStatus(component, level, message string) Status {
	return Status{
		Component: component,
		Healthy:   level == StatusHealthy,
		Status:    level,
		Message:   message,
		Timestamp: time.Now(),
	}
}

func NewHealthy(component, message string) Status {
	return newStatus(component, StatusHealthy, message)
}

func NewDegraded(component, message string) Status {
	return newStatus(component, StatusDegraded, message)
}

func NewUnhealthy(component, message string) Status {
	return newStatus(component, StatusUnhealthy, message)
}

// Aggregate folds relay statuses into one. A publish succeeds once any
// relay accepts, so one live relay is enough for degraded service.
func Aggregate(component string, relays []Status) Status {
	up := 0
	for _, r := range relays {
		if r.IsHealthy() {
			up++
		}
	}

	var agg Status
	switch {
	case len(relays) == 0:
		return NewUnhealthy(component, "No relays configured")
	case up == len(relays):
		agg = NewHealthy(component, "All relays connected")
	case up > 0:
		agg = NewDegraded(component, "Some relays disconnected")
	default:
		agg = NewUnhealthy(component, "No relay connected")
	}
	agg.SubStatuses = append([]Status(nil), relays...)
	return agg
}

// Secrets that may appear in dial or signing errors. Key=value pairs are
// matched on the key name.
var redactions = []*regexp.Regexp{
	regexp.MustCompile(`nsec1[02-9ac-hj-np-z]+`),
	regexp.MustCompile(`\b[0-9a-fA-F]{64}\b`),
	regexp.MustCompile(`(?i)(password|token|key|secret|nsec)[^a-zA-Z]*[:=][^,\s}]+`),
}

// redact strips secrets from a message before it is stored or served
func redact(msg string) string {
	for _, re := range redactions {
		msg = re.ReplaceAllString(msg, "[REDACTED]")
	}
	return msg
}
