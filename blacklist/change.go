package blacklist

import (
	"fmt"
	"net/netip"
	"time"
)

const (
	// ChangeAdd indicates an address was listed for the first time.
	ChangeAdd ChangeKind = iota + 1
	// ChangeExtend indicates a listed address was added again.
	ChangeExtend
	// ChangeSet indicates an address was listed with an explicit duration.
	ChangeSet
	// ChangeRemove indicates an address was removed by a caller.
	ChangeRemove
	// ChangeExpire indicates an address expired.
	ChangeExpire
	// ChangeRestore indicates an address was relisted from a snapshot.
	ChangeRestore
)

type (
	// ChangeKind models the reason for a Change.
	ChangeKind int

	// Change is passed to Config.OnChange.
	Change struct {
		Info Info
		Kind ChangeKind
	}

	// Info is a snapshot of a listed address.
	Info struct {
		// Expires is the (approximate) time the entry will be removed.
		Expires time.Time
		Addr    netip.Addr
		// Duration is how long the address was listed for, the last time it
		// was added.
		Duration time.Duration
	}
)

var changeKindNames = [...]string{
	ChangeAdd:     `add`,
	ChangeExtend:  `extend`,
	ChangeSet:     `set`,
	ChangeRemove:  `remove`,
	ChangeExpire:  `expire`,
	ChangeRestore: `restore`,
}

func (k ChangeKind) String() string {
	if k > 0 && int(k) < len(changeKindNames) {
		return changeKindNames[k]
	}
	return fmt.Sprintf(`ChangeKind(%d)`, int(k))
}

// MarshalText encodes the kind as its name.
func (k ChangeKind) MarshalText() ([]byte, error) {
	if k <= 0 || int(k) >= len(changeKindNames) {
		return nil, fmt.Errorf(`blacklist: invalid change kind: %d`, int(k))
	}
	return []byte(changeKindNames[k]), nil
}

// Remaining returns the time until the entry expires, relative to now, or
// zero if it already has.
func (x Info) Remaining(now time.Time) time.Duration {
	return max(x.Expires.Sub(now), 0)
}
