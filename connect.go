package nbd

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/libnbd-go/nbd/config"
	"github.com/libnbd-go/nbd/internal/healthsched"
	"github.com/libnbd-go/nbd/internal/statemachine"
	"github.com/libnbd-go/nbd/internal/sysinfo"
	"github.com/libnbd-go/nbd/internal/transport"
)

// ConnectOptions configures how Connect* negotiates once a transport is
// established. The zero value requests the export named "" with structured
// replies and TLS disabled.
type ConnectOptions struct {
	// ExportName is the export requested via NBD_OPT_EXPORT_NAME/OPT_GO.
	ExportName string

	// TLSMode selects disable/allow/require. TLSConfig must be set unless
	// TLSMode is TLSDisable.
	TLSMode   TLSMode
	TLSConfig *transport.TLSConfig

	// StructuredReply requests NBD_OPT_STRUCTURED_REPLY during the default
	// negotiation sequence.
	StructuredReply bool

	// MetaContexts lists the SET_META_CONTEXT queries to send once
	// structured replies are active (e.g. "base:allocation").
	MetaContexts []string

	// OptMode disables the default negotiation sequence; the caller drives
	// OptList/OptInfo/OptGo/OptAbort itself.
	OptMode bool

	// DialTimeout bounds the initial TCP/Unix connect call. Zero means no
	// timeout.
	DialTimeout time.Duration

	// StagingBufferCap bounds how large a single structured-reply chunk
	// payload the engine will allocate scratch space for; a server
	// reporting a larger chunk is a protocol error that moves the whole
	// connection to the dead state instead of being trusted with an
	// unbounded allocation. Zero sizes it
	// from available host memory via sysinfo.DefaultStagingBufferCap.
	StagingBufferCap int

	// MaxBytesPerSecond caps outbound throughput via transport.Throttled.
	// Zero leaves the connection unthrottled. SetMaxBytesPerSecond adjusts
	// this after Connect.
	MaxBytesPerSecond int

	// HealthPingSchedule, if non-empty, starts a healthsched.Pinger issuing
	// NBD_CMD_FLUSH on the given cron/"@every" schedule for as long as the
	// Handle stays open. Only honored when OptMode is false, since the
	// pinger assumes the handshake reached StateReady before it ever fires.
	HealthPingSchedule string
}

// FromDefaults applies a loaded config.HandleDefaults onto opt, filling in
// only the fields the caller left at their zero value.
func (opt ConnectOptions) FromDefaults(d *config.HandleDefaults) ConnectOptions {
	if d == nil {
		return opt
	}
	if opt.TLSMode == TLSDisable && d.TLS.Mode != "" && d.TLS.Mode != "disable" {
		switch d.TLS.Mode {
		case "allow":
			opt.TLSMode = TLSAllow
		case "require":
			opt.TLSMode = TLSRequire
		}
		if opt.TLSConfig == nil {
			opt.TLSConfig = &transport.TLSConfig{
				CACertPath:     d.TLS.CACert,
				ClientCertPath: d.TLS.ClientCert,
				ClientKeyPath:  d.TLS.ClientKey,
				ServerName:     d.TLS.ServerName,
				Insecure:       d.TLS.Insecure,
			}
		}
	}
	if opt.MaxBytesPerSecond == 0 {
		opt.MaxBytesPerSecond = int(d.Throttle.MaxBytesPerSecond)
	}
	if opt.HealthPingSchedule == "" {
		opt.HealthPingSchedule = d.HealthPing.Schedule
	}
	if opt.DialTimeout == 0 {
		opt.DialTimeout = d.Timeouts.Connect
	}
	return opt
}

// TLSMode mirrors statemachine.TLSMode for callers who don't want to import
// the internal package directly.
type TLSMode = statemachine.TLSMode

const (
	TLSDisable = statemachine.TLSDisable
	TLSAllow   = statemachine.TLSAllow
	TLSRequire = statemachine.TLSRequire
)

func (opt ConnectOptions) toConfig() statemachine.Config {
	stagingCap := opt.StagingBufferCap
	if stagingCap <= 0 {
		stagingCap = sysinfo.DefaultStagingBufferCap()
	}
	return statemachine.Config{
		ExportName:             opt.ExportName,
		TLSMode:                opt.TLSMode,
		TLSConfig:              opt.TLSConfig,
		RequestStructuredReply: opt.StructuredReply,
		RequestedMetaContexts:  opt.MetaContexts,
		OptMode:                opt.OptMode,
		StagingBufferCap:       stagingCap,
	}
}

// attach wires t and opt's negotiated Config into a fresh Handle and, unless
// opt.OptMode is set, drives the handshake to StateReady before returning.
func attach(ctx context.Context, t transport.Transport, opt ConnectOptions) (*Handle, error) {
	h := NewHandle()
	cfg := opt.toConfig()
	if opt.MaxBytesPerSecond > 0 {
		t = transport.NewThrottled(t, opt.MaxBytesPerSecond)
	}
	engine := statemachine.NewEngine(t, cfg)

	if opt.TLSMode != statemachine.TLSDisable {
		if opt.TLSConfig == nil {
			return nil, invalidArgument("TLSConfig is required when TLSMode is not TLSDisable")
		}
		h.tlsConfig = opt.TLSConfig
		engine.SetTLSUpgrader(h.upgradeTLS)
	}

	h.engine = engine

	if err := h.Poll(ctx); err != nil {
		t.Close()
		return nil, err
	}
	h.logger.Debug("nbd handshake reached a stable state", "state", engine.State.String(), "export", engine.Session.ExportName)

	if opt.HealthPingSchedule != "" && !opt.OptMode {
		pinger, err := healthsched.New(opt.HealthPingSchedule, h.healthPing, h.logger)
		if err != nil {
			t.Close()
			return nil, invalidArgument("%s", err)
		}
		h.pinger = pinger
		h.pinger.Start()
	}

	return h, nil
}

// healthPing is the default health-probe body a Pinger started via
// ConnectOptions.HealthPingSchedule runs on its schedule: a FLUSH, which
// every server implementation understands and which touches no command
// buffer the caller might be using concurrently.
func (h *Handle) healthPing(ctx context.Context) error {
	return h.Flush(ctx)
}

// upgradeTLS performs a full, blocking client-side TLS handshake over t
// (which must be a *transport.Plain) and returns the resulting
// *transport.TLS. Engine.Step calls this synchronously from inside
// STARTTLS's option step, the one place the otherwise non-blocking engine
// delegates to a caller function that blocks internally.
func (h *Handle) upgradeTLS(t transport.Transport) (transport.Transport, error) {
	plain, ok := t.(*transport.Plain)
	if !ok {
		return nil, fmt.Errorf("nbd: cannot upgrade a non-plain transport to TLS")
	}
	tlsCfg, err := h.tlsConfig.Build()
	if err != nil {
		return nil, err
	}
	if h.tlsConfig.ServerName != "" {
		tlsCfg.ServerName = h.tlsConfig.ServerName
	}

	upgraded := transport.UpgradeClient(plain, tlsCfg)
	backoff := pollBackoffMin
	for {
		err := upgraded.Handshake()
		if err == nil {
			return upgraded, nil
		}
		if err != transport.ErrWouldBlock {
			return nil, err
		}
		time.Sleep(backoff)
		if backoff < pollBackoffMax {
			backoff *= 2
		}
	}
}

// ConnectUnix dials a Unix domain socket at path and drives the handshake to
// completion.
func ConnectUnix(ctx context.Context, path string, opt ConnectOptions) (*Handle, error) {
	t, err := transport.DialUnix(path, opt.DialTimeout)
	if err != nil {
		return nil, classify(err)
	}
	return attach(ctx, t, opt)
}

// ConnectTCP dials host:port and drives the handshake to completion.
func ConnectTCP(ctx context.Context, hostport string, opt ConnectOptions) (*Handle, error) {
	t, err := transport.DialTCP(hostport, opt.DialTimeout)
	if err != nil {
		return nil, classify(err)
	}
	return attach(ctx, t, opt)
}

// ConnectSocket adopts an already-connected socket file descriptor (for
// example one passed down by a supervisor) and drives the handshake to
// completion.
func ConnectSocket(ctx context.Context, fd uintptr, opt ConnectOptions) (*Handle, error) {
	t, err := transport.FromFD(fd, "nbd-socket")
	if err != nil {
		return nil, classify(err)
	}
	return attach(ctx, t, opt)
}

// ConnectSystemdSocketActivation adopts file descriptor 3, the first socket
// systemd hands a socket-activated unit, and drives the handshake to
// completion.
func ConnectSystemdSocketActivation(ctx context.Context, opt ConnectOptions) (*Handle, error) {
	return ConnectSocket(ctx, 3, opt)
}

// ConnectCommand spawns name with args, speaking NBD over a socketpair
// wired to its stdin/stdout, and drives the handshake to completion. The
// returned Handle's Close also waits for the subprocess to exit.
func ConnectCommand(ctx context.Context, opt ConnectOptions, name string, args ...string) (*Handle, error) {
	t, cmd, err := transport.DialCommand(name, args...)
	if err != nil {
		return nil, classify(err)
	}
	h, err := attach(ctx, t, opt)
	if err != nil {
		cmd.Process.Kill()
		return nil, err
	}
	h.cmd = cmd
	return h, nil
}

// ConnectURI parses uri (nbd://, nbds://, nbd+unix://, nbds+unix://) and
// dials the export it names. Only the subset needed to reach a host:port or
// a Unix socket path is parsed here; query-string option tunneling is not
// supported.
func ConnectURI(ctx context.Context, uri string, opt ConnectOptions) (*Handle, error) {
	u, err := parseNBDURI(uri)
	if err != nil {
		return nil, invalidArgument("%s", err)
	}
	if u.exportName != "" {
		opt.ExportName = u.exportName
	}
	if u.tls {
		if opt.TLSMode == statemachine.TLSDisable {
			opt.TLSMode = statemachine.TLSRequire
		}
	}
	if u.unixPath != "" {
		return ConnectUnix(ctx, u.unixPath, opt)
	}
	port := u.port
	if port == "" {
		port = "10809"
	}
	return ConnectTCP(ctx, net.JoinHostPort(u.host, port), opt)
}
