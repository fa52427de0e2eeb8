package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strings"
	"time"

	"github.com/joeycumines/go-callcore/blacklist"
	"github.com/joeycumines/go-callcore/sched"
)

var errQuit = errors.New(`quit`)

const consoleHelp = `commands:
  add <addr>             blacklist addr, doubling the duration if already listed
  set <addr> <duration>  blacklist addr for exactly duration
  remove <addr>          remove addr from the blacklist
  check <addr>           report whether addr is blacklisted
  strike <addr>          record an offence by addr
  show                   list blacklisted addresses
  sched                  list scheduled jobs
  help                   show this help
  quit                   exit
`

type console struct {
	bl    *blacklist.Blacklist
	sched *sched.Context
	out   io.Writer
}

// run reads commands line by line from in, until EOF, ctx is canceled, or
// the quit command (errQuit). A read that is blocked when run returns is
// abandoned.
func (x *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if err := x.exec(line); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				fmt.Fprintf(x.out, "error: %v\n", err)
			}
		}
	}
}

func (x *console) exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case `help`, `?`:
		_, err := io.WriteString(x.out, consoleHelp)
		return err

	case `quit`, `exit`:
		return errQuit

	case `show`:
		if err := expectArgs(cmd, args, 0); err != nil {
			return err
		}
		return x.bl.Show(x.out)

	case `sched`:
		if err := expectArgs(cmd, args, 0); err != nil {
			return err
		}
		return x.sched.Dump(x.out)

	case `add`, `remove`, `check`, `strike`:
		if err := expectArgs(cmd, args, 1); err != nil {
			return err
		}
		addr, err := netip.ParseAddr(args[0])
		if err != nil {
			return err
		}
		return x.execAddr(cmd, addr)

	case `set`:
		if err := expectArgs(cmd, args, 2); err != nil {
			return err
		}
		addr, err := netip.ParseAddr(args[0])
		if err != nil {
			return err
		}
		d, err := time.ParseDuration(args[1])
		if err != nil {
			return err
		}
		info, err := x.bl.Set(addr, d)
		if err != nil {
			return err
		}
		fmt.Fprintf(x.out, "%s blacklisted for %s\n", info.Addr, info.Duration)
		return nil

	default:
		return fmt.Errorf(`unknown command %q, try help`, cmd)
	}
}

func (x *console) execAddr(cmd string, addr netip.Addr) error {
	switch cmd {
	case `add`:
		info, err := x.bl.Add(addr)
		if err != nil {
			return err
		}
		fmt.Fprintf(x.out, "%s blacklisted for %s\n", info.Addr, info.Duration)

	case `remove`:
		if !x.bl.Remove(addr) {
			return fmt.Errorf(`%s is not blacklisted`, addr)
		}
		fmt.Fprintf(x.out, "%s removed\n", addr)

	case `check`:
		if info, ok := x.bl.Lookup(addr); ok {
			fmt.Fprintf(x.out, "%s is blacklisted, %s remaining\n", info.Addr, info.Remaining(time.Now()).Truncate(time.Second))
		} else {
			fmt.Fprintf(x.out, "%s is not blacklisted\n", addr)
		}

	case `strike`:
		blocked, err := x.bl.Strike(addr)
		if err != nil {
			return err
		}
		if blocked {
			fmt.Fprintf(x.out, "%s struck out\n", addr)
		} else {
			fmt.Fprintf(x.out, "%s strike recorded\n", addr)
		}
	}
	return nil
}

func expectArgs(cmd string, args []string, n int) error {
	if len(args) != n {
		return fmt.Errorf(`%s: expected %d argument(s), got %d`, cmd, n, len(args))
	}
	return nil
}
