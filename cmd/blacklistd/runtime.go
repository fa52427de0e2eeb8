package main

import (
	"fmt"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/joeycumines/logiface"
	"go.uber.org/automaxprocs/maxprocs"
)

// tuneRuntime sets GOMAXPROCS and GOMEMLIMIT from the container limits, if
// any, returning a func to restore GOMAXPROCS.
func tuneRuntime(s *Settings, logger *logiface.Logger[logiface.Event]) func() {
	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug().Log(fmt.Sprintf(format, args...))
	}))
	if err != nil {
		logger.Warning().Err(err).Log(`failed to set GOMAXPROCS`)
		undo = func() {}
	}

	if s.MemLimitRatio > 0 {
		limit, err := memlimit.SetGoMemLimitWithOpts(
			memlimit.WithRatio(s.MemLimitRatio),
			memlimit.WithProvider(memlimit.FromCgroup),
		)
		if err != nil {
			logger.Debug().Err(err).Log(`GOMEMLIMIT unchanged`)
		} else {
			logger.Debug().Int64(`limit`, limit).Log(`set GOMEMLIMIT`)
		}
	}

	return undo
}
