package tcpvs

import (
	"context"
	"errors"
	"fmt"

	"github.com/puzpuzpuz/xsync/v4"
)

// Verdict is what a scheduler tells the connection handler.
type Verdict int

const (
	// VerdictFailed: unrecoverable error, close the client.
	VerdictFailed Verdict = -2
	// VerdictRedirect: no eligible destination while the request was still
	// unconsumed; hand it to the local fallback.
	VerdictRedirect Verdict = -1
	// VerdictSelected: a destination was connected, the caller relays.
	VerdictSelected Verdict = 0
	// VerdictHandled: the scheduler relayed everything itself.
	VerdictHandled Verdict = 1
)

func (v Verdict) String() string {
	switch v {
	case VerdictFailed:
		return "failed"
	case VerdictRedirect:
		return "redirect"
	case VerdictSelected:
		return "selected"
	case VerdictHandled:
		return "handled"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Scheduler is a scheduling strategy that services select by name.
type Scheduler interface {
	Name() string
	InitService(svc *Service) error
	DoneService(svc *Service) error
	UpdateService(svc *Service) error
	Schedule(ctx context.Context, c *Conn, svc *Service) Verdict
}

var (
	ErrSchedulerExists  = errors.New("scheduler already registered")
	ErrSchedulerUnknown = errors.New("scheduler not registered")
)

var schedulers = xsync.NewMap[string, Scheduler]()

func RegisterScheduler(s Scheduler) error {
	if _, loaded := schedulers.LoadOrStore(s.Name(), s); loaded {
		return fmt.Errorf("%w: %s", ErrSchedulerExists, s.Name())
	}
	return nil
}

func UnregisterScheduler(name string) error {
	if _, ok := schedulers.LoadAndDelete(name); !ok {
		return fmt.Errorf("%w: %s", ErrSchedulerUnknown, name)
	}
	return nil
}

func LookupScheduler(name string) (Scheduler, bool) {
	return schedulers.Load(name)
}

// HasScheduler reports whether name is registered.
func HasScheduler(name string) bool {
	_, ok := schedulers.Load(name)
	return ok
}

func init() {
	for _, s := range []Scheduler{
		&httpScheduler{name: "http", sel: WLC},
		&httpScheduler{name: "hrr", sel: RoundRobin},
		&phttpScheduler{},
	} {
		if err := RegisterScheduler(s); err != nil {
			panic(err)
		}
	}
}
