package sched

import (
	"fmt"
	"io"
	"reflect"
	"runtime"
	"text/tabwriter"
	"time"
)

// Dump writes a table of the queued events to w, soonest first.
func (x *Context) Dump(w io.Writer) error {
	type row struct {
		fn       Func
		when     time.Duration
		interval time.Duration
		id       int
		variable bool
	}

	now := time.Now()
	x.mu.Lock()
	rows := make([]row, 0, x.length)
	for ev := x.queue; ev != nil; ev = ev.next {
		rows = append(rows, row{
			fn:       ev.fn,
			when:     ev.when.Sub(now),
			interval: ev.interval,
			id:       ev.id,
			variable: ev.variable,
		})
	}
	firing := len(x.firing)
	x.mu.Unlock()

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tWHEN\tINTERVAL\tCALLBACK\n")
	for _, r := range rows {
		interval := r.interval.String()
		if r.variable {
			interval = `variable`
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.id, r.when.Round(time.Millisecond), interval, funcName(r.fn))
	}
	fmt.Fprintf(tw, "%d queued, %d firing\n", len(rows), firing)
	return tw.Flush()
}

func funcName(fn Func) string {
	if f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()); f != nil {
		return f.Name()
	}
	return `?`
}
