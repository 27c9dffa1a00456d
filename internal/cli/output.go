package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	flagship "github.com/TimurManjosov/flagship-go"
	"github.com/TimurManjosov/flagship-go/internal/persistence"
)

// OutputFormat specifies the output format for CLI commands
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
)

// PrintFlags outputs flags in the specified format
func PrintFlags(w io.Writer, list []flagship.FlagState, format OutputFormat) error {
	switch format {
	case FormatJSON:
		return printJSON(w, map[string][]flagship.FlagState{"flags": list})
	case FormatYAML:
		return printYAML(w, map[string][]flagship.FlagState{"flags": list})
	case FormatTable:
		table := tablewriter.NewWriter(w)
		table.Header("Key", "Type", "Enabled", "Value", "Version", "Updated At")
		for _, f := range list {
			updated := ""
			if !f.LastModified.IsZero() {
				updated = f.LastModified.Local().Format("2006-01-02 15:04")
			}
			table.Append(
				f.Key,
				string(f.FlagType),
				strconv.FormatBool(f.Enabled),
				FormatValue(f.Value),
				strconv.Itoa(f.Version),
				updated,
			)
		}
		return table.Render()
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// PrintEvaluation outputs a single evaluation result
func PrintEvaluation(w io.Writer, res flagship.EvaluationResult, format OutputFormat) error {
	switch format {
	case FormatJSON:
		return printJSON(w, evaluationView(res))
	case FormatYAML:
		return printYAML(w, evaluationView(res))
	case FormatTable:
		table := tablewriter.NewWriter(w)
		table.Header("Key", "Value", "Enabled", "Reason", "Version")
		table.Append(res.FlagKey, FormatValue(res.Value), strconv.FormatBool(res.Enabled), string(res.Reason), strconv.Itoa(res.Version))
		return table.Render()
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func evaluationView(res flagship.EvaluationResult) map[string]any {
	return map[string]any{
		"key":     res.FlagKey,
		"value":   res.Value,
		"enabled": res.Enabled,
		"reason":  res.Reason,
		"version": res.Version,
	}
}

// PrintEvents outputs persisted events
func PrintEvents(w io.Writer, evs []persistence.Event, format OutputFormat) error {
	switch format {
	case FormatJSON:
		return printJSON(w, map[string][]persistence.Event{"events": evs})
	case FormatYAML:
		return printYAML(w, map[string][]persistence.Event{"events": evs})
	case FormatTable:
		table := tablewriter.NewWriter(w)
		table.Header("ID", "Type", "User", "Status", "Created At")
		for _, ev := range evs {
			table.Append(
				ev.ID,
				ev.EventType,
				ev.UserID,
				string(ev.Status),
				time.UnixMilli(ev.Timestamp).Local().Format("2006-01-02 15:04:05"),
			)
		}
		return table.Render()
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// PrintConfig outputs rows from ConfigRows as a table
func PrintConfig(w io.Writer, rows [][]string) error {
	table := tablewriter.NewWriter(w)
	table.Header("Key", "Env", "Value")
	for _, r := range rows {
		table.Append(r[0], r[1], r[2])
	}
	return table.Render()
}

// FormatValue renders a flag value on one line, shortened for tables.
func FormatValue(v any) string {
	var s string
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		s = val
	case bool, float64, int, int64:
		s = fmt.Sprint(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			s = fmt.Sprint(val)
		} else {
			s = string(b)
		}
	}
	if len(s) > 40 {
		s = s[:37] + "..."
	}
	return s
}

// ParseValue reads a value typed on the command line: JSON when it parses
// (true, 3.5, {"a":1}), a plain string otherwise.
func ParseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func printJSON(w io.Writer, data any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func printYAML(w io.Writer, data any) error {
	encoder := yaml.NewEncoder(w)
	defer encoder.Close()
	encoder.SetIndent(2)
	return encoder.Encode(data)
}
