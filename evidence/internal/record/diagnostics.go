package record

import (
	"strings"
	"time"
)

// Diagnostic is one structured entry of an attempt's ordered log.
type Diagnostic struct {
	At       time.Time `json:"at"`
	Stage    string    `json:"stage"`
	Event    string    `json:"event"`
	Expected string    `json:"expected,omitempty"`
	Observed string    `json:"observed,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// String renders the entry as one log line.
func (d Diagnostic) String() string {
	var b strings.Builder
	b.WriteString(d.At.UTC().Format(time.RFC3339Nano))
	b.WriteString(" [")
	b.WriteString(d.Stage)
	b.WriteString("] ")
	b.WriteString(d.Event)
	if d.Expected != "" {
		b.WriteString(" expected=")
		b.WriteString(d.Expected)
	}
	if d.Observed != "" {
		b.WriteString(" observed=")
		b.WriteString(d.Observed)
	}
	if d.Detail != "" {
		b.WriteString(": ")
		b.WriteString(d.Detail)
	}
	return b.String()
}

// Lines renders diagnostics in order.
func Lines(diags []Diagnostic) []string {
	out := make([]string, len(diags))
	for i, d := range diags {
		out[i] = d.String()
	}
	return out
}
