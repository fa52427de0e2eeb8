package blacklist

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

// Show writes a table of the listed addresses to w, in address order.
func (x *Blacklist) Show(w io.Writer) error {
	list := x.List()
	now := time.Now()

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "ADDRESS\tDURATION\tREMAINING\n")
	for _, info := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", info.Addr, info.Duration, info.Remaining(now).Truncate(time.Second))
	}
	fmt.Fprintf(tw, "%d blacklisted\n", len(list))
	return tw.Flush()
}
