// Package protocol implements the line-oriented remote helper exchange git
// speaks with the process over stdin and stdout. The engine only parses and
// frames; resolving refs and moving objects is the sync session's job.
package protocol

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/sirupsen/logrus"

	"github.com/systemshift/git-remote-ipset/internal/gitdag"
	"github.com/systemshift/git-remote-ipset/internal/ipfs"
	"github.com/systemshift/git-remote-ipset/internal/ledger"
	"github.com/systemshift/git-remote-ipset/internal/pack"
	"github.com/systemshift/git-remote-ipset/internal/remote"
)

// ErrSyntax reports a command stream the engine cannot keep parsing. It ends
// the session: unlike a failed ref, broken framing has no recovery point.
var ErrSyntax = errors.New("protocol syntax error")

// Sync is the slice of the session the engine dispatches to.
type Sync interface {
	Refs(ctx context.Context) (map[string]plumbing.Hash, string, error)
	Fetch(ctx context.Context, reqs []remote.FetchRequest) error
	Push(ctx context.Context, cmds []remote.PushCommand) []remote.PushResult
}

// Engine runs one helper session over a command stream and a response
// stream.
type Engine struct {
	sync Sync
	in   *bufio.Scanner
	out  *bufio.Writer
	log  *logrus.Entry
}

// NewEngine wires a session to the byte streams git connected.
func NewEngine(sync Sync, in io.Reader, out io.Writer, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Engine{
		sync: sync,
		in:   sc,
		out:  bufio.NewWriter(out),
		log:  log,
	}
}

// Run reads commands until the input closes. A blank line at the top level
// also ends the session; git sends one when it is done with the helper.
func (e *Engine) Run(ctx context.Context) error {
	defer e.out.Flush()

	for e.in.Scan() {
		line := e.in.Text()
		if line == "" {
			return nil
		}
		e.log.WithField("command", line).Debug("dispatch")

		var err error
		switch cmd := commandWord(line); cmd {
		case "capabilities":
			err = e.capabilities()
		case "list":
			err = e.list(ctx)
		case "fetch":
			err = e.fetchBatch(ctx, line)
		case "push":
			err = e.pushBatch(ctx, line)
		case "option":
			err = e.option(line)
		default:
			// The session survives a command this helper does not know;
			// git decides whether it can live without it.
			e.log.WithField("command", cmd).Warn("unknown command")
			err = e.reply("unsupported")
		}
		if err != nil {
			return err
		}
	}
	return e.in.Err()
}

func commandWord(line string) string {
	if i := strings.IndexByte(line, ' '); i >= 0 {
		return line[:i]
	}
	return line
}

func (e *Engine) capabilities() error {
	return e.reply("fetch", "push", "option", "")
}

func (e *Engine) list(ctx context.Context) error {
	refs, head, err := e.sync.Refs(ctx)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(refs)+2)
	for _, name := range names {
		lines = append(lines, refs[name].String()+" "+name)
	}
	if head != "" {
		lines = append(lines, "@"+head+" HEAD")
	}
	return e.reply(append(lines, "")...)
}

// fetchBatch collects consecutive fetch lines up to the blank terminator and
// runs them as one job, so the manifest is read once per batch.
func (e *Engine) fetchBatch(ctx context.Context, first string) error {
	lines, err := e.readBatch(first, "fetch ")
	if err != nil {
		return err
	}

	reqs := make([]remote.FetchRequest, 0, len(lines))
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return fmt.Errorf("%w: %q", ErrSyntax, line)
		}
		id, err := parseOID(fields[1])
		if err != nil {
			return err
		}
		reqs = append(reqs, remote.FetchRequest{ID: id, Name: fields[2]})
	}

	if err := e.sync.Fetch(ctx, reqs); err != nil {
		return err
	}
	return e.reply("")
}

// pushBatch collects consecutive push lines and reports one ok/error line
// per refspec. A failed ref never aborts the rest.
func (e *Engine) pushBatch(ctx context.Context, first string) error {
	lines, err := e.readBatch(first, "push ")
	if err != nil {
		return err
	}

	cmds := make([]remote.PushCommand, 0, len(lines))
	for _, line := range lines {
		cmd, err := parsePushSpec(strings.TrimPrefix(line, "push "))
		if err != nil {
			return err
		}
		cmds = append(cmds, cmd)
	}

	results := e.sync.Push(ctx, cmds)
	out := make([]string, 0, len(results)+1)
	for _, r := range results {
		if r.Err == nil {
			out = append(out, "ok "+r.Dst)
		} else {
			out = append(out, "error "+r.Dst+" "+reason(r.Err))
		}
	}
	return e.reply(append(out, "")...)
}

func parsePushSpec(spec string) (remote.PushCommand, error) {
	var cmd remote.PushCommand
	if strings.HasPrefix(spec, "+") {
		cmd.Force = true
		spec = spec[1:]
	}
	src, dst, ok := strings.Cut(spec, ":")
	if !ok || dst == "" || strings.ContainsAny(spec, " \t") {
		return cmd, fmt.Errorf("%w: bad push refspec %q", ErrSyntax, spec)
	}
	cmd.Src, cmd.Dst = src, dst
	return cmd, nil
}

// option handles the helper option exchange. Recognized names reply ok;
// anything else is unsupported. An unparseable value uses the option
// protocol's own error reply rather than ending the session.
func (e *Engine) option(line string) error {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) != 3 {
		return e.reply("error malformed option")
	}
	name, value := fields[1], fields[2]

	switch name {
	case "verbosity":
		n, err := strconv.Atoi(value)
		if err != nil {
			return e.reply("error verbosity expects an integer")
		}
		e.log.Logger.SetLevel(verbosityLevel(n))
		return e.reply("ok")
	case "progress", "force":
		return e.reply("ok")
	default:
		return e.reply("unsupported")
	}
}

// verbosityLevel maps git's -q/-v counting onto log levels. 1 is git's
// default.
func verbosityLevel(n int) logrus.Level {
	switch {
	case n <= 0:
		return logrus.ErrorLevel
	case n == 1:
		return logrus.WarnLevel
	case n == 2:
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}

// readBatch gathers first plus every following line with the same command
// prefix, consuming the blank terminator. Input ending mid-batch is broken
// framing.
func (e *Engine) readBatch(first, prefix string) ([]string, error) {
	lines := []string{first}
	for e.in.Scan() {
		line := e.in.Text()
		if line == "" {
			return lines, nil
		}
		if !strings.HasPrefix(line, prefix) {
			return nil, fmt.Errorf("%w: %q inside a %s batch", ErrSyntax, line, strings.TrimSpace(prefix))
		}
		lines = append(lines, line)
	}
	if err := e.in.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: input closed inside a %s batch", ErrSyntax, strings.TrimSpace(prefix))
}

// reply writes one line per argument and flushes, so git never blocks on a
// buffered response.
func (e *Engine) reply(lines ...string) error {
	for _, l := range lines {
		if _, err := fmt.Fprintln(e.out, l); err != nil {
			return err
		}
	}
	return e.out.Flush()
}

func parseOID(s string) (plumbing.Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 20 {
		return plumbing.ZeroHash, fmt.Errorf("%w: bad object id %q", ErrSyntax, s)
	}
	var h plumbing.Hash
	copy(h[:], b)
	return h, nil
}

// reason compresses a ref failure into the short phrase git prints next to
// the ref.
func reason(err error) string {
	switch {
	case errors.Is(err, remote.ErrNonFastForward):
		return "non-fast-forward"
	case errors.Is(err, remote.ErrPushConflict):
		return "push conflict, fetch and retry"
	case errors.Is(err, ledger.ErrFinalityTimeout):
		return "ledger finality timeout, outcome unknown"
	case errors.Is(err, ledger.ErrStaleUpdate):
		return "remote moved, fetch and retry"
	case errors.Is(err, ledger.ErrUnknownIPSet):
		return "unknown ip set"
	case errors.Is(err, ipfs.ErrUnavailable):
		return "content store unavailable"
	case errors.Is(err, ipfs.ErrNotFound):
		return "object not found in content store"
	case errors.Is(err, pack.ErrCorrupt):
		return "corrupt object"
	case errors.Is(err, gitdag.ErrMalformedGraph):
		return "malformed object graph"
	default:
		return strings.ReplaceAll(err.Error(), "\n", " ")
	}
}
