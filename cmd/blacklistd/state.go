package main

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/renameio/v2"
	"github.com/joeycumines/go-callcore/blacklist"
)

type (
	// state is the on-disk snapshot of the blacklist, kept across restarts.
	state struct {
		Saved   time.Time    `toml:"saved"`
		Entries []stateEntry `toml:"entry"`
	}

	stateEntry struct {
		Expires  time.Time `toml:"expires"`
		Addr     string    `toml:"addr"`
		Duration string    `toml:"duration"`
	}
)

// saveState atomically replaces the state file with the current entries.
func saveState(path string, bl *blacklist.Blacklist) error {
	list := bl.List()
	s := state{
		Saved:   time.Now().UTC(),
		Entries: make([]stateEntry, len(list)),
	}
	for i, info := range list {
		s.Entries[i] = stateEntry{
			Expires:  info.Expires.UTC(),
			Addr:     info.Addr.String(),
			Duration: info.Duration.String(),
		}
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s); err != nil {
		return fmt.Errorf(`encode state: %w`, err)
	}

	if err := renameio.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf(`write state: %w`, err)
	}

	return nil
}

// loadState restores entries from the state file, if it exists, returning
// the number restored. Expired entries are skipped.
func loadState(path string, bl *blacklist.Blacklist) (int, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf(`read state: %w`, err)
	}

	var s state
	if _, err := toml.Decode(string(b), &s); err != nil {
		return 0, fmt.Errorf(`decode state: %w`, err)
	}

	var n int
	for _, e := range s.Entries {
		addr, err := netip.ParseAddr(e.Addr)
		if err != nil {
			return n, fmt.Errorf(`decode state: %w`, err)
		}
		d, err := time.ParseDuration(e.Duration)
		if err != nil {
			return n, fmt.Errorf(`decode state: %s: %w`, addr, err)
		}
		ok, err := bl.Restore(blacklist.Info{Addr: addr, Duration: d, Expires: e.Expires})
		if err != nil {
			return n, fmt.Errorf(`restore %s: %w`, addr, err)
		}
		if ok {
			n++
		}
	}

	return n, nil
}
