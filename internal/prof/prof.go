// Package prof runs the Pyroscope continuous profiling agent.
package prof

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/linnemanlabs-admission/internal/log"
	"github.com/keithlinneman/linnemanlabs-admission/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	TenantID      string
	Tags          map[string]string

	// UploadRate defaults to the agent's 15s.
	UploadRate time.Duration

	// Mutex and block profiles are only collected when these are > 0.
	ProfileMutexFraction int
	BlockProfileRate     int
}

// profileTypes returns the CPU, allocation, goroutine and, when their
// runtime sampling is on, mutex and block profiles.
func profileTypes(o Options) []pyroscope.ProfileType {
	types := []pyroscope.ProfileType{
		pyroscope.ProfileCPU,
		pyroscope.ProfileAllocObjects,
		pyroscope.ProfileAllocSpace,
		pyroscope.ProfileInuseObjects,
		pyroscope.ProfileInuseSpace,
		pyroscope.ProfileGoroutines,
	}
	if o.ProfileMutexFraction > 0 {
		types = append(types, pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration)
	}
	if o.BlockProfileRate > 0 {
		types = append(types, pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration)
	}
	return types
}

// Start launches the agent and returns a stop func that is always safe to
// call, including after an error.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx).With("pyro_server", opts.ServerAddress, "app_name", opts.AppName)
	noop := func() {}

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		return noop, nil
	}
	if opts.ServerAddress == "" {
		return noop, xerrors.New("pyroscope enabled without a server address")
	}

	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		TenantID:        opts.TenantID,
		Tags:            opts.Tags,
		UploadRate:      opts.UploadRate,
		ProfileTypes:    profileTypes(opts),
		Logger:          agentLogger{ctx: ctx, l: L},
	})
	if err != nil {
		return noop, xerrors.Wrap(err, "start pyroscope")
	}
	L.Info(ctx, "pyroscope started")

	return func() {
		if err := profiler.Stop(); err != nil {
			L.Warn(context.Background(), "pyroscope stop", "error", err)
			return
		}
		L.Info(context.Background(), "pyroscope stopped")
	}, nil
}

// agentLogger forwards the agent's own messages; its info chatter is logged
// at debug.
type agentLogger struct {
	ctx context.Context
	l   log.Logger
}

func (a agentLogger) Infof(format string, args ...any) {
	a.l.Debug(a.ctx, fmt.Sprintf(format, args...))
}

func (a agentLogger) Debugf(format string, args ...any) {
	a.l.Debug(a.ctx, fmt.Sprintf(format, args...))
}

func (a agentLogger) Errorf(format string, args ...any) {
	a.l.Warn(a.ctx, fmt.Sprintf(format, args...), "source", "pyroscope")
}
