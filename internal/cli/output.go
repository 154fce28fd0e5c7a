package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"gopkg.in/yaml.v3"

	"github.com/kubilitics/exchange-agent/internal/models"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	sectionStyle = lipgloss.NewStyle().Bold(true).Underline(true).MarginTop(1)

	healthStyles = map[models.Health]lipgloss.Style{
		models.HealthHealthy:  cellStyle.Foreground(lipgloss.Color("2")),
		models.HealthWarning:  cellStyle.Foreground(lipgloss.Color("3")),
		models.HealthCritical: cellStyle.Foreground(lipgloss.Color("1")).Bold(true),
		models.HealthUnknown:  cellStyle.Foreground(lipgloss.Color("8")),
	}
)

func writeJSON(w io.Writer, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// writeYAML goes through JSON so field names match the API's.
func writeYAML(w io.Writer, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic interface{}
	if err := json.Unmarshal(b, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

func renderTable(a *models.Analysis) string {
	var sb strings.Builder

	const healthCol = 3
	rows := make([][]string, 0, len(a.Reports))
	for _, r := range a.Reports {
		rows = append(rows, []string{
			r.EntityID,
			string(r.Kind),
			string(r.Status),
			string(r.Health),
			fmt.Sprintf("%d", r.SampleCount),
			metricSummary(r),
			fmt.Sprintf("%d", len(r.Alerts)),
			fmt.Sprintf("%d", len(r.Anomalies)),
		})
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("ENTITY", "KIND", "STATUS", "HEALTH", "SAMPLES", "METRICS (mean, trend)", "ALERTS", "ANOMALIES").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == healthCol && row >= 0 && row < len(rows) {
				if s, ok := healthStyles[models.Health(rows[row][healthCol])]; ok {
					return s
				}
			}
			return cellStyle
		})
	sb.WriteString(t.String())
	sb.WriteString("\n")

	if len(a.Alerts) > 0 {
		sb.WriteString(sectionStyle.Render("Alerts"))
		sb.WriteString("\n")
		for _, al := range a.Alerts {
			fmt.Fprintf(&sb, "  [%s] %s\n", strings.ToUpper(al.Severity.String()), al.Message)
		}
	}

	if len(a.Recommendations) > 0 {
		sb.WriteString(sectionStyle.Render("Recommendations"))
		sb.WriteString("\n")
		for _, rec := range a.Recommendations {
			fmt.Fprintf(&sb, "  %s %s: %s\n", rec.Action, rec.EntityID, rec.Reason)
		}
	}

	fmt.Fprintf(&sb, "\nGenerated at %s\n", a.GeneratedAt.UTC().Format("2006-01-02 15:04:05 MST"))
	return sb.String()
}

// metricSummary lists every metric as name=mean(trend), sorted by name.
func metricSummary(r models.AnalysisReport) string {
	if len(r.Stats) == 0 {
		return "-"
	}
	names := make([]string, 0, len(r.Stats))
	for name := range r.Stats {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		s := r.Stats[name]
		part := fmt.Sprintf("%s=%.2f", name, s.Mean)
		if tr, ok := r.Trends[name]; ok && tr.Direction != "" {
			part += fmt.Sprintf(" (%s)", tr.Direction)
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, "\n")
}
