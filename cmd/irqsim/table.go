package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/tinyrange/irq/internal/irq"
)

type stateRow struct {
	state  irq.PinState
	vector int
}

var (
	styleHeader = ansi.Style{}.Bold()
	styleMasked = ansi.Style{}.Bold().ForegroundColor(ansi.Red)
	styleStuck  = ansi.Style{}.Bold().ForegroundColor(ansi.Yellow)
	styleIdle   = ansi.Style{}.ForegroundColor(ansi.Green)
)

func (r stateRow) status() string {
	switch {
	case r.state.Masked && r.state.Warned:
		return "stuck"
	case r.state.Masked:
		return "masked"
	default:
		return "idle"
	}
}

func styleFor(status string) ansi.Style {
	switch status {
	case "stuck":
		return styleStuck
	case "masked":
		return styleMasked
	default:
		return styleIdle
	}
}

// writeStateTable prints one line per pin. Columns are padded by display
// width so styled cells line up.
func writeStateTable(w io.Writer, rows []stateRow, color bool) {
	header := []string{"PIN", "VECTOR", "TRIGGER", "POLARITY", "STRATEGY", "RAISED", "DELIVERED", "SINKS", "STATE"}
	cells := [][]string{header}
	for _, r := range rows {
		status := r.status()
		if color {
			status = styleFor(status).Styled(status)
		}
		cells = append(cells, []string{
			r.state.Name,
			fmt.Sprintf("0x%02x", r.vector),
			r.state.Trigger.String(),
			r.state.Polarity.String(),
			r.state.Strategy.String(),
			fmt.Sprint(r.state.RaiseSequence),
			fmt.Sprint(r.state.SinkSequence),
			fmt.Sprint(r.state.Sinks),
			status,
		})
	}

	widths := make([]int, len(header))
	for _, row := range cells {
		for i, cell := range row {
			widths[i] = max(widths[i], ansi.StringWidth(cell))
		}
	}

	for n, row := range cells {
		var b strings.Builder
		for i, cell := range row {
			if i > 0 {
				b.WriteString("  ")
			}
			pad := widths[i] - ansi.StringWidth(cell)
			if n == 0 && color {
				cell = styleHeader.Styled(cell)
			}
			b.WriteString(cell)
			if i < len(row)-1 {
				b.WriteString(strings.Repeat(" ", pad))
			}
		}
		fmt.Fprintln(w, b.String())
	}
}
