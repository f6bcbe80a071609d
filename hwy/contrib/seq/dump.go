package seq

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
)

// Dump writes t as one table per batch element, one row per sequence
// position. With grad set it prints Grad instead of Data.
func Dump(w io.Writer, t *Tensor, grad bool) {
	buf := t.Data
	if grad {
		buf = t.Grad
	}

	header := make([]string, t.Channels+1)
	header[0] = "seq"
	for c := range t.Channels {
		header[c+1] = strconv.Itoa(c)
	}

	for b := range t.Batch {
		fmt.Fprintf(w, "batch %d\n", b)
		table := tablewriter.NewWriter(w)
		table.SetHeader(header)
		table.SetAlignment(tablewriter.ALIGN_RIGHT)
		for s := range t.Seq {
			row := make([]string, t.Channels+1)
			row[0] = strconv.Itoa(s)
			for c := range t.Channels {
				if buf == nil {
					row[c+1] = "-"
					continue
				}
				row[c+1] = strconv.FormatFloat(buf[t.Index(b, s, c)], 'g', 6, 64)
			}
			table.Append(row)
		}
		table.Render()
	}
}
