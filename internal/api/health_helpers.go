package api

import (
	"context"
	"net/http"
)

// Probe is an extra readiness check, such as a Redis ping or the gateway's
// own health.
type Probe struct {
	Component string
	Check     func(context.Context) error
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 2+len(h.Probes))
	if h.Registry != nil {
		components = append(components, recordComponent("sessions", h.Registry.Ping(ctx)))
	}

	if h.Bridge != nil {
		components = append(components, recordComponent("metadata", h.Bridge.Ping(ctx)))
	}

	for _, probe := range h.Probes {
		if probe.Check == nil {
			continue
		}
		components = append(components, recordComponent(probe.Component, probe.Check(ctx)))
	}

	return components, overallStatus, statusCode
}
