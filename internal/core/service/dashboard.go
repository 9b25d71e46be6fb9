package service

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/crabzie/fog-fleet/internal/core/domain"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	nodeColumn  = lipgloss.NewStyle().Width(12)
	addrColumn  = lipgloss.NewStyle().Width(17)
	reachColumn = lipgloss.NewStyle().Width(9)
	timeColumn  = lipgloss.NewStyle().Width(10)
)

const (
	placeholder  = "?"
	timeLayout   = "15:04:05"
	headerFormat = "Fleet status  %s  (cycle took %s)"
)

func reachabilityStyle(r domain.Reachability) lipgloss.Style {
	switch r {
	case domain.ReachabilityOnline:
		return okStyle
	case domain.ReachabilityOffline:
		return badStyle
	}
	return warnStyle
}

func containerStyle(s domain.ContainerState) lipgloss.Style {
	switch s {
	case domain.ContainerUp:
		return okStyle
	case domain.ContainerRestarting, domain.ContainerUnknown:
		return warnStyle
	case domain.ContainerNotRunning:
		return dimStyle
	}
	return badStyle
}

func counter(n *int) string {
	if n == nil {
		return placeholder
	}
	return strconv.Itoa(*n)
}

// QueueLine renders the queue snapshot; counters that could not be read show as "?"
func QueueLine(q domain.QueueSnapshot) string {
	name := q.Queue
	if name == "" {
		name = placeholder
	}
	return fmt.Sprintf("queue %s: messages=%s consumers=%s", name, counter(q.Messages), counter(q.Consumers))
}

// RenderDashboard writes one fleet view as a table followed by the queue and service lines
func RenderDashboard(w io.Writer, view domain.FleetView) error {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render(fmt.Sprintf(headerFormat, view.At.Format("2006-01-02 15:04:05"), view.Took.Round(time.Millisecond))))
	sb.WriteString("\n\n")

	sb.WriteString(headerStyle.Render(nodeColumn.Render("NODE") + addrColumn.Render("ADDRESS") +
		reachColumn.Render("REACH") + timeColumn.Render("SAMPLED") + "CONTAINER"))
	sb.WriteString("\n")

	if len(view.Samples) == 0 {
		sb.WriteString(dimStyle.Render("no nodes in inventory"))
		sb.WriteString("\n")
	}
	for _, s := range view.Samples {
		addr := s.Address
		if addr == "" {
			addr = "-"
		}
		sampled := "-"
		if !s.At.IsZero() {
			sampled = s.At.Format(timeLayout)
		}
		sb.WriteString(nodeColumn.Render(s.Node))
		sb.WriteString(addrColumn.Render(addr))
		sb.WriteString(reachColumn.Render(reachabilityStyle(s.Reachability).Render(string(s.Reachability))))
		sb.WriteString(timeColumn.Render(sampled))
		sb.WriteString(containerStyle(s.Container.State).Render(s.Container.String()))
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	queue := QueueLine(view.Queue)
	if view.Queue.Err != nil {
		queue = warnStyle.Render(queue)
	}
	sb.WriteString(queue)
	sb.WriteString("\n")

	if len(view.Services) > 0 {
		parts := make([]string, 0, len(view.Services))
		for _, svc := range view.Services {
			if svc.Healthy {
				parts = append(parts, okStyle.Render(svc.Name+" OK"))
				continue
			}
			parts = append(parts, badStyle.Render(svc.Name+" DOWN ("+svc.Detail+")"))
		}
		sb.WriteString("services: " + strings.Join(parts, "  "))
		sb.WriteString("\n")
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

// RenderReport writes the per-node outcome table that ends every provision and deploy run
func RenderReport(w io.Writer, r *domain.Report) error {
	var sb strings.Builder
	title := r.Operation
	if r.Version != "" {
		title += " " + r.Version
	}
	sb.WriteString(titleStyle.Render(fmt.Sprintf("%s finished in %s", title, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))))
	sb.WriteString("\n")

	for _, o := range r.Outcomes {
		style := okStyle
		switch o.Status {
		case domain.OutcomeFailed:
			style = badStyle
		case domain.OutcomeSkipped:
			style = dimStyle
		}
		sb.WriteString(nodeColumn.Render(o.Node))
		sb.WriteString(style.Render(o.Summary()))
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "%d succeeded, %d failed, %d skipped\n",
		r.Count(domain.OutcomeSucceeded), r.Count(domain.OutcomeFailed), r.Count(domain.OutcomeSkipped))

	_, err := io.WriteString(w, sb.String())
	return err
}

// RenderInventory lists the recorded nodes in inventory order
func RenderInventory(w io.Writer, inv *domain.Inventory) error {
	var sb strings.Builder
	master := inv.MasterIP
	if master == "" {
		master = "-"
	}
	sb.WriteString(titleStyle.Render("master " + master))
	sb.WriteString("\n")
	sb.WriteString(headerStyle.Render(nodeColumn.Render("NODE") + addrColumn.Render("ADDRESS") + "STATE"))
	sb.WriteString("\n")
	for _, n := range inv.All() {
		addr := n.Address
		if addr == "" {
			addr = "-"
		}
		sb.WriteString(nodeColumn.Render(n.Name))
		sb.WriteString(addrColumn.Render(addr))
		sb.WriteString(string(n.State))
		sb.WriteString("\n")
	}
	_, err := io.WriteString(w, sb.String())
	return err
}
