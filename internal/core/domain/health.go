package domain

import (
	"strings"
	"time"
)

type Reachability string

const (
	ReachabilityUnknown Reachability = "UNKNOWN"
	ReachabilityOnline  Reachability = "ONLINE"
	ReachabilityOffline Reachability = "OFFLINE"
)

type ContainerState string

const (
	ContainerUnknown    ContainerState = "UNKNOWN"
	ContainerNotRunning ContainerState = "NOT_RUNNING"
	ContainerUp         ContainerState = "UP"
	ContainerRestarting ContainerState = "RESTARTING"
	ContainerExited     ContainerState = "EXITED"
	ContainerError      ContainerState = "ERROR"
)

// ContainerStatus is the classified workload container status; Detail keeps the
// engine's raw text (e.g. "Up 3 minutes").
type ContainerStatus struct {
	State  ContainerState `json:"state"`
	Detail string         `json:"detail,omitempty"`
}

// ParseContainerStatus classifies the Status column printed by `docker ps`.
// An empty output means no container with that name exists.
func ParseContainerStatus(raw string) ContainerStatus {
	s := strings.TrimSpace(raw)
	// several matching containers print one status per line; the first wins
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	switch {
	case s == "":
		return ContainerStatus{State: ContainerNotRunning}
	case strings.HasPrefix(s, "Up"):
		return ContainerStatus{State: ContainerUp, Detail: s}
	case strings.HasPrefix(s, "Restarting"):
		return ContainerStatus{State: ContainerRestarting, Detail: s}
	case strings.HasPrefix(s, "Exited"):
		return ContainerStatus{State: ContainerExited, Detail: s}
	}
	return ContainerStatus{State: ContainerError, Detail: s}
}

// ContainerStatusFromEngineState classifies the State field of the Docker Engine API
// (running, restarting, exited, created, paused, dead) together with its Status text.
func ContainerStatusFromEngineState(state, status string) ContainerStatus {
	switch strings.ToLower(state) {
	case "running":
		return ContainerStatus{State: ContainerUp, Detail: status}
	case "restarting":
		return ContainerStatus{State: ContainerRestarting, Detail: status}
	case "exited":
		return ContainerStatus{State: ContainerExited, Detail: status}
	case "":
		return ContainerStatus{State: ContainerNotRunning}
	}
	return ContainerStatus{State: ContainerError, Detail: status}
}

// IsUp reports whether the workload is running
func (c ContainerStatus) IsUp() bool {
	return c.State == ContainerUp
}

func (c ContainerStatus) String() string {
	if c.Detail == "" {
		return string(c.State)
	}
	return string(c.State) + " (" + c.Detail + ")"
}

// HealthSample is one node's probe result for one monitor cycle
type HealthSample struct {
	Node         string          `json:"node"`
	Address      string          `json:"address"`
	Reachability Reachability    `json:"reachability"`
	Container    ContainerStatus `json:"container"`
	At           time.Time       `json:"at"`
}

// QueueSnapshot is the broker queue state fetched once per cycle.
// Nil counters mean the value could not be obtained.
type QueueSnapshot struct {
	Queue     string `json:"queue"`
	Messages  *int   `json:"messages,omitempty"`
	Consumers *int   `json:"consumers,omitempty"`
	Err       error  `json:"-"`
}

// ServiceStatus is the result of a control node service check (cache, database)
type ServiceStatus struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// FleetView is everything one monitor cycle produced
type FleetView struct {
	Samples  []HealthSample
	Queue    QueueSnapshot
	Services []ServiceStatus
	At       time.Time
	Took     time.Duration
}
