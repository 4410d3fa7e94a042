// Package output renders CLI results as tables or JSON.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/nfrund/scriptd/internal/lifecycle"
	"github.com/nfrund/scriptd/internal/messaging"
	"github.com/nfrund/scriptd/internal/script"
)

// DisplayJSON writes v as indented JSON.
func DisplayJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// DisplayScripts writes scripts in the given format (table or json).
func DisplayScripts(w io.Writer, format string, scripts []lifecycle.Status) error {
	switch format {
	case "json":
		return DisplayJSON(w, struct {
			Scripts []lifecycle.Status `json:"scripts"`
			Count   int                `json:"count"`
		}{scripts, len(scripts)})
	case "table", "":
		displayScriptsTable(w, scripts)
		return nil
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

func displayScriptsTable(w io.Writer, scripts []lifecycle.Status) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "ID\tDIALECT\tSTATE\tUPTIME\tERROR")
	fmt.Fprintln(tw, "--\t-------\t-----\t------\t-----")
	if len(scripts) == 0 {
		fmt.Fprintln(tw, "No scripts found")
		return
	}
	for _, s := range scripts {
		uptime := "-"
		if s.StartedAt != nil {
			uptime = time.Since(*s.StartedAt).Truncate(time.Second).String()
		}
		id := s.ID
		if s.Global {
			id += " (global)"
		}
		errText := s.Error
		if errText == "" {
			errText = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", id, s.Dialect, s.State, uptime, truncateString(errText, 60))
	}
}

// DisplayReply writes the reply of a sent message.
func DisplayReply(w io.Writer, format string, reply *messaging.Reply) error {
	if format == "json" {
		return DisplayJSON(w, reply)
	}
	fmt.Fprintf(w, "Delivered to %d handler(s)\n", reply.Delivered)
	if reply.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", reply.Error)
	}
	if reply.Result != nil {
		b, err := json.Marshal(reply.Result)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Result: %s\n", b)
	}
	return nil
}

// DisplayCheck writes the diagnostics of a compiled file and, for global
// scripts, the declarations it contributes.
func DisplayCheck(w io.Writer, format, file string, diags []script.Diagnostic, declarations string) error {
	if format == "json" {
		return DisplayJSON(w, struct {
			File         string              `json:"file"`
			Diagnostics  []script.Diagnostic `json:"diagnostics"`
			Declarations string              `json:"declarations,omitempty"`
		}{file, diags, declarations})
	}
	if len(diags) == 0 {
		fmt.Fprintf(w, "%s: ok\n", file)
	}
	for _, d := range diags {
		if d.File == "" {
			d.File = file
		}
		fmt.Fprintln(w, d.String())
	}
	if declarations != "" {
		fmt.Fprintf(w, "\nDeclarations:\n%s", declarations)
	}
	return nil
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
