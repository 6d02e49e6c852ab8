package runner

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "new"
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Hooks run around the serving phase. An OnStart error aborts Run before
// the runner reports itself as running; OnStop still runs.
type Hooks struct {
	OnStart func(ctx context.Context) error
	OnStop  func()
}

// Drainer is anything that can finish in-flight work before shutdown.
type Drainer interface {
	Drain() error
}

// Version is stamped at build time with -ldflags "-X ...runner.Version=...".
var Version = "dev"

// BannerOutput is where Run prints the startup banner; nil disables it.
var BannerOutput io.Writer = os.Stdout

func PrintBanner(w io.Writer) {
	if w == nil {
		return
	}
	tpl := "{{ .Title \"CALLSCRIBE\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(w, true, false, bytes.NewBufferString(tpl))
}
