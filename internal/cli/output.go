// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keystore.
//
// go-keystore is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jeremyhahn/go-keystore/pkg/adapters/audit"
	"github.com/jeremyhahn/go-keystore/pkg/client"
	"github.com/jeremyhahn/go-keystore/pkg/types"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText  OutputFormat = "text"
	OutputFormatJSON  OutputFormat = "json"
	OutputFormatTable OutputFormat = "table"
)

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer
func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(format),
		writer: writer,
	}
}

// PrintCode prints the daemon's response code for op.
func (p *Printer) PrintCode(op string, code types.ResponseCode) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"operation": op,
			"code":      int(code),
			"status":    code.String(),
		})
	case OutputFormatTable, OutputFormatText:
		fmt.Fprintln(p.writer, code.String())
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintValue prints a stored value. Text output writes the raw bytes.
func (p *Printer) PrintValue(value []byte) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"value": base64.StdEncoding.EncodeToString(value),
		})
	case OutputFormatTable, OutputFormatText:
		_, err := p.writer.Write(value)
		return err
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintEncoded prints binary output such as signatures and public keys as
// base64 under field.
func (p *Printer) PrintEncoded(field string, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{field: encoded})
	case OutputFormatTable, OutputFormatText:
		fmt.Fprintln(p.writer, encoded)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintNames prints a key listing.
func (p *Printer) PrintNames(names [][]byte) error {
	switch p.format {
	case OutputFormatJSON:
		list := make([]string, len(names))
		for i, n := range names {
			list[i] = string(n)
		}
		return p.printJSON(map[string]interface{}{"names": list})
	case OutputFormatTable:
		fmt.Fprintf(p.writer, "%-40s %s\n", "NAME", "BYTES")
		fmt.Fprintln(p.writer, strings.Repeat("-", 48))
		for _, n := range names {
			fmt.Fprintf(p.writer, "%-40q %d\n", n, len(n))
		}
		return nil
	case OutputFormatText:
		for _, n := range names {
			fmt.Fprintln(p.writer, string(n))
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintModTime prints a Unix timestamp.
func (p *Printer) PrintModTime(mtime int64) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{"mtime": mtime})
	case OutputFormatTable, OutputFormatText:
		fmt.Fprintln(p.writer, time.Unix(mtime, 0).UTC().Format(time.RFC3339))
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

func (p *Printer) PrintHardware(keyType string, hardware bool) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"key_type": keyType,
			"hardware": hardware,
		})
	case OutputFormatTable, OutputFormatText:
		fmt.Fprintf(p.writer, "%s: hardware=%t\n", keyType, hardware)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

func (p *Printer) PrintHealth(h *client.HealthResponse) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(h)
	case OutputFormatTable, OutputFormatText:
		fmt.Fprintf(p.writer, "Status: %s\n", h.Status)
		for _, c := range h.Checks {
			line := fmt.Sprintf("  %-10s %s", c.Name, c.Status)
			if c.Error != "" {
				line += " (" + c.Error + ")"
			} else if c.Message != "" {
				line += " (" + c.Message + ")"
			}
			fmt.Fprintln(p.writer, line)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintAuditEvents prints audit events in the order given.
func (p *Printer) PrintAuditEvents(events []*audit.Event) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{"events": events})
	case OutputFormatTable:
		fmt.Fprintf(p.writer, "%-20s %-12s %-8s %-20s %-8s %s\n", "TIME", "OPERATION", "CALLER", "STATUS", "OUTCOME", "NAME")
		fmt.Fprintln(p.writer, strings.Repeat("-", 84))
		for _, e := range events {
			fmt.Fprintf(p.writer, "%-20s %-12s %-8d %-20s %-8s %s\n",
				e.Timestamp.UTC().Format(time.RFC3339), e.Operation, e.Caller, e.Code, e.Outcome, e.Name)
		}
		return nil
	case OutputFormatText:
		for _, e := range events {
			line := fmt.Sprintf("%s uid=%d %s %s", e.Timestamp.UTC().Format(time.RFC3339), e.Caller, e.Operation, e.Code)
			if e.Name != "" {
				line += " " + e.Name
			}
			fmt.Fprintln(p.writer, line)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintError prints an error message
func (p *Printer) PrintError(err error) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"status": "error",
			"error":  err.Error(),
		})
	case OutputFormatTable, OutputFormatText:
		fmt.Fprintf(p.writer, "Error: %v\n", err)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

func (p *Printer) printJSON(data interface{}) error {
	encoder := json.NewEncoder(p.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
