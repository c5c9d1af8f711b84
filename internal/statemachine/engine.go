// Package statemachine drives every handshake and transmission-phase step
// for one connection. It never blocks: each call into Step advances as far
// as it can with currently-available bytes and returns a direction hint
// telling the caller which way to poll before calling Step again. This
// replaces the generated goto-label state machine of the C original with an
// explicit dispatch table over a small State enumeration, per the
// re-architecture note carried into the expanded design notes.
package statemachine

import (
	"errors"
	"fmt"

	"github.com/libnbd-go/nbd/internal/queue"
	"github.com/libnbd-go/nbd/internal/reply"
	"github.com/libnbd-go/nbd/internal/transport"
)

// State is the coarse phase of the connection. Each State may have several
// internal sub-steps tracked by Engine's scratch fields rather than further
// State values, since Go closures make resumable sub-steps cheap without a
// combinatorial enum explosion.
type State int

const (
	StateCreated State = iota
	StateConnecting
	StateMagic
	StateOldstyle
	StateNewstyleGlobalFlags
	StateNewstyleClientFlags
	StateOption
	StateReady
	StateIssue
	StateReply
	StateClosed
	StateDead
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateMagic:
		return "magic"
	case StateOldstyle:
		return "oldstyle"
	case StateNewstyleGlobalFlags:
		return "newstyle.global_flags"
	case StateNewstyleClientFlags:
		return "newstyle.client_flags"
	case StateOption:
		return "newstyle.option"
	case StateReady:
		return "ready"
	case StateIssue:
		return "issue"
	case StateReply:
		return "reply"
	case StateClosed:
		return "closed"
	case StateDead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrProtocol wraps every "server violated the protocol" failure so the
// public API can classify it without string matching.
var ErrProtocol = errors.New("statemachine: protocol error")

// ErrTLSRequired is returned when set_tls(REQUIRE) was configured but the
// server cannot or will not establish TLS.
var ErrTLSRequired = errors.New("statemachine: TLS required but not available")

// ErrTLSRefused is returned when the server explicitly refused a STARTTLS
// request.
var ErrTLSRefused = errors.New("statemachine: server refused STARTTLS")

// ErrUnsupported is returned when the server rejects an option the caller
// cannot do without (no fallback path applies).
var ErrUnsupported = errors.New("statemachine: option not supported by server")

// Outcome is what a single Step call produced.
type Outcome struct {
	// Advance is true when the engine made internal progress and Step
	// should be called again immediately, without waiting on the
	// transport.
	Advance bool

	// Wait is the direction the caller must see readiness on before
	// calling Step again. Meaningful only when Advance is false and Err
	// is nil.
	Wait transport.Direction

	// Err is set when the engine has transitioned to StateDead. A non-nil
	// Err is terminal: the caller should stop driving this Engine.
	Err error
}

// Session holds negotiated facts that outlive any single option exchange:
// everything the Handle needs from the handshake except the command lists
// and the raw transport, which the Engine holds separately.
type Session struct {
	ExportName        string
	ExportSize        uint64
	ExportFlags       uint16
	CanonicalName     string
	Description       string
	BlockMin          uint32
	BlockPreferred    uint32
	BlockMax          uint32
	StructuredReplies bool
	MetaContexts      map[string]uint32 // name -> negotiated context id
	TLSActive         bool
}

// Config is the caller-set negotiation policy, fixed before Connect and
// read-only afterward except for ExportName, which an option-mode OPT_GO run
// (RunOptGo) overwrites with the export it names.
type Config struct {
	ExportName             string
	TLSMode                TLSMode
	TLSConfig              *transport.TLSConfig
	RequestStructuredReply bool
	RequestedMetaContexts  []string
	OptMode                bool
	FullInfo               bool
	UseTLSUsername         string

	// StagingBufferCap bounds how large a single structured-reply chunk
	// payload (OFFSET_HOLE, BLOCK_STATUS, ERROR) the engine will allocate
	// scratch space for. A server reporting a chunk Length beyond this cap
	// is treated as a protocol violation rather than trusted with an
	// unbounded allocation. Zero falls back to defaultStagingBufferCap.
	StagingBufferCap int
}

// defaultStagingBufferCap is used when Config.StagingBufferCap is zero.
const defaultStagingBufferCap = 256 * 1024

// TLSMode mirrors set_tls(disable|allow|require).
type TLSMode int

const (
	TLSDisable TLSMode = iota
	TLSAllow
	TLSRequire
)

// Engine is the per-handle protocol driver. It is not safe for concurrent
// use: exactly one call may be in flight at a time, matching the
// single-caller rule the public Handle enforces one layer up.
type Engine struct {
	Transport transport.Transport
	State     State
	Session   Session
	Config    Config
	Err       error

	ToIssue  *queue.List
	InFlight *queue.List
	Done     *queue.List
	Cookies  *queue.CookieAllocator

	// staging is the single reusable buffer for the fixed-size handshake
	// frames read by the magic, newstyle and oldstyle steps, per the
	// Handle's "single reusable staging buffer" data-model note.
	staging [512]byte

	// step holds the in-progress sub-step closure for whichever coarse
	// State is active, so a partial read/write resumes exactly where it
	// left off without re-entering earlier sub-steps.
	step func(e *Engine) Outcome

	// newstyleServerFlags is the global flags word read during the
	// newstyle handshake, consulted when building the client's reply.
	newstyleServerFlags uint16

	// pendingOptions is the remaining default negotiation sequence to run
	// after Connect, consumed one option at a time.
	pendingOptions []optionCode

	// optModeDone, when non-nil, receives the outcome of the
	// currently-running option-mode option (opt_list, opt_info, ...).
	optModeDone func(err error)
	optList     func(entry ListEntry)
	optContext  func(name string, id uint32)

	// tlsUpgrade wraps the current transport in a TLS session after a
	// server ACKs STARTTLS. Set by the caller (nbd.Handle knows the
	// *transport.TLSConfig; this package only drives the negotiation).
	tlsUpgrade func(transport.Transport) (transport.Transport, error)

	// replyResume/issueResume hold the in-progress resumable sub-step for
	// the reply reader and the request writer respectively. The two are
	// independent so a partially-sent write can be set aside mid-frame
	// while a reply is drained, then picked back up at the exact byte
	// offset it left off at, and vice versa.
	replyResume func(e *Engine) Outcome
	issueResume func(e *Engine) Outcome

	// ledgers tracks the structured-reply chunk coverage ledger for each
	// cookie with a read in flight, keyed by cookie and removed once the
	// reply's DONE chunk arrives.
	ledgers map[uint64]*reply.Ledger
}

// stagingCap returns the configured (or default) ceiling on a single
// structured-reply chunk payload allocation.
func (e *Engine) stagingCap() int {
	if e.Config.StagingBufferCap > 0 {
		return e.Config.StagingBufferCap
	}
	return defaultStagingBufferCap
}

// SetTLSUpgrader installs the function STARTTLS calls to wrap the current
// Transport once the server ACKs. Must be set before Connect if TLSMode is
// not TLSDisable.
func (e *Engine) SetTLSUpgrader(fn func(transport.Transport) (transport.Transport, error)) {
	e.tlsUpgrade = fn
}

// NewEngine constructs an Engine ready to drive t from StateCreated.
func NewEngine(t transport.Transport, cfg Config) *Engine {
	e := &Engine{
		Transport: t,
		State:     StateCreated,
		Config:    cfg,
		ToIssue:   &queue.List{},
		InFlight:  &queue.List{},
		Done:      &queue.List{},
		Cookies:   queue.NewCookieAllocator(),
		ledgers:   make(map[uint64]*reply.Ledger),
	}
	e.Session.MetaContexts = make(map[string]uint32)
	e.Session.ExportName = cfg.ExportName
	return e
}

// ListEntry is one entry reported by an OPT_LIST reply during option mode.
type ListEntry struct {
	Name        string
	Description string
}

// Step advances the engine as far as it can without blocking. Callers loop:
// call Step, and if Outcome.Advance is true call it again immediately;
// otherwise wait for Outcome.Wait (or stop, if Outcome.Err is set) before
// calling again.
func (e *Engine) Step() Outcome {
	if e.State == StateDead {
		return Outcome{Err: e.Err}
	}
	if e.State == StateClosed {
		return Outcome{Err: errClosed}
	}

	if e.step == nil {
		e.step = e.entryStepFor(e.State)
	}

	out := e.step(e)
	if out.Err != nil {
		e.fail(out.Err)
		return Outcome{Err: out.Err}
	}
	if out.Advance && e.step == nil {
		// The sub-step finished its State and cleared step; nothing more
		// to do this call, but the caller may immediately call Step again
		// to enter the next State.
	}
	return out
}

// fail transitions the engine to StateDead, sticky from here on.
func (e *Engine) fail(err error) {
	e.State = StateDead
	e.Err = err
	e.step = nil
}

var errClosed = errors.New("statemachine: handle is closed")

// entryStepFor returns the initial sub-step function for entering state s
// fresh (no partial progress yet).
func (e *Engine) entryStepFor(s State) func(e *Engine) Outcome {
	switch s {
	case StateCreated, StateConnecting:
		return stepBeginMagic
	case StateMagic:
		return stepBeginMagic
	case StateOldstyle:
		return stepBeginOldstyle
	case StateNewstyleGlobalFlags:
		return stepBeginNewstyleGlobalFlags
	case StateNewstyleClientFlags:
		return stepBeginNewstyleClientFlags
	case StateOption:
		return stepBeginNextOption
	case StateReady, StateIssue, StateReply:
		return stepReadyPump
	default:
		return func(e *Engine) Outcome { return Outcome{Err: fmt.Errorf("statemachine: no entry step for %s", s)} }
	}
}
