package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"

	"github.com/vidforge/vidforge/internal/session"
)

// Output formats accepted by the -o flag.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

// ErrUnknownFormat indicates an unsupported -o value.
var ErrUnknownFormat = errors.New("unknown output format")

// renderStructured writes v as JSON or YAML. Table rendering is per-command.
func renderStructured(w io.Writer, format string, v any) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		defer enc.Close()

		return enc.Encode(v)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
}

// newTable creates a table writer in the house style.
func newTable(w io.Writer) table.Writer {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false

	return tbl
}

// colorStatus renders a session status with the conventional color.
func colorStatus(status session.Status) string {
	switch status {
	case session.StatusCompleted:
		return color.GreenString(string(status))
	case session.StatusFailed:
		return color.RedString(string(status))
	case session.StatusProcessing:
		return color.CyanString(string(status))
	case session.StatusCancelled:
		return color.YellowString(string(status))
	case session.StatusQueued:
		return string(status)
	default:
		return string(status)
	}
}
