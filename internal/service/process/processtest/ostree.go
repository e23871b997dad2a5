package processtest

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/oshokin/ota-client/internal/service/process"
)

// OSName is the stateroot used by the fake sysroot.
const OSName = "qt-os"

// Call is one recorded invocation.
type Call struct {
	// Args is the full argument list.
	Args []string
}

// Command returns the subcommand, "admin <verb>" for admin commands.
func (c Call) Command() string {
	return command(c.Args)
}

// OSTree implements process.Runner over an in-memory sysroot.
type OSTree struct {
	mu sync.Mutex

	// deployments holds revisions in boot order, index 0 is the default.
	deployments []string
	// booted is the revision the "running system" was started from.
	booted string
	// metadata maps revisions to their metadata document.
	metadata map[string]string
	// remoteRev is the revision the remote ref points to.
	remoteRev string
	// failures maps commands to the result returned instead of running them.
	failures map[string]*process.Result
	// spawnErrors maps commands to launch errors.
	spawnErrors map[string]error
	// progress lists lines streamed by pull and deploy.
	progress []string
	// calls records every invocation.
	calls []Call
	// onRun is invoked with the command before it runs, may block.
	onRun func(cmd string)
}

// NewOSTree creates a fake whose booted deployment is the first revision.
func NewOSTree(revisions ...string) *OSTree {
	f := &OSTree{
		deployments: append([]string(nil), revisions...),
		metadata:    make(map[string]string),
		failures:    make(map[string]*process.Result),
		spawnErrors: make(map[string]error),
		progress:    []string{"Receiving objects: 50%", "Receiving objects: 100%"},
	}

	if len(revisions) > 0 {
		f.booted = revisions[0]
	}

	return f
}

// SetMetadata stores the metadata document of a revision.
func (f *OSTree) SetMetadata(revision, document string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.metadata[revision] = document
}

// SetRemote points the remote ref at revision and publishes its document.
func (f *OSTree) SetRemote(revision, document string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.remoteRev = revision
	if document != "" {
		f.metadata[revision] = document
	}
}

// SetDeployments replaces the deployment list, simulating another process.
func (f *OSTree) SetDeployments(revisions ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deployments = append([]string(nil), revisions...)
}

// Fail makes cmd exit with status 1 and the provided stderr.
func (f *OSTree) Fail(cmd, stderr string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failures[cmd] = &process.Result{Stderr: stderr, ExitCode: 1}
}

// FailSpawn makes cmd fail to launch with err.
func (f *OSTree) FailSpawn(cmd string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.spawnErrors[cmd] = err
}

// OnRun installs a hook called before each command runs.
func (f *OSTree) OnRun(hook func(cmd string)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.onRun = hook
}

// Deployments returns the current deployment list.
func (f *OSTree) Deployments() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.deployments...)
}

// Calls returns the recorded invocations.
func (f *OSTree) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]Call(nil), f.calls...)
}

// Commands returns the recorded subcommands in order.
func (f *OSTree) Commands() []string {
	calls := f.Calls()

	result := make([]string, 0, len(calls))
	for _, call := range calls {
		result = append(result, call.Command())
	}

	return result
}

// Run answers one command.
func (f *OSTree) Run(_ context.Context, args []string, onStatus process.StatusFunc) (*process.Result, error) {
	cmd := command(args)

	f.mu.Lock()
	f.calls = append(f.calls, Call{Args: append([]string(nil), args...)})
	hook := f.onRun
	f.mu.Unlock()

	if hook != nil {
		hook(cmd)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.spawnErrors[cmd]; ok {
		return nil, err
	}

	if failure, ok := f.failures[cmd]; ok {
		copied := *failure

		return &copied, nil
	}

	positional := positionalArgs(args)

	switch cmd {
	case "admin status":
		return f.status(), nil
	case "admin deploy":
		return f.deploy(positional[len(positional)-1], onStatus), nil
	case "cat":
		return f.cat(positional[1]), nil
	case "rev-parse":
		return ok(f.remoteRev + "\n"), nil
	case "pull":
		f.stream(onStatus)

		return ok(""), nil
	default:
		return &process.Result{Stderr: "error: Unknown command '" + cmd + "'", ExitCode: 1}, nil
	}
}

// status renders "ostree admin status".
func (f *OSTree) status() *process.Result {
	if len(f.deployments) == 0 {
		return ok("No deployments.\n")
	}

	var b strings.Builder

	bootedIndex := -1

	for i, revision := range f.deployments {
		if revision == f.booted && bootedIndex < 0 {
			bootedIndex = i
		}
	}

	for i, revision := range f.deployments {
		marker := " "
		if i == bootedIndex {
			marker = "*"
		}

		suffix := ""

		switch {
		case bootedIndex >= 0 && i < bootedIndex:
			suffix = " (pending)"
		case bootedIndex >= 0 && i > bootedIndex:
			suffix = " (rollback)"
		}

		fmt.Fprintf(&b, "%s %s %s.0%s\n", marker, OSName, revision, suffix)
		fmt.Fprintf(&b, "    origin refspec: %s:linux/qt\n", OSName)
	}

	return ok(b.String())
}

// deploy makes revision the default and keeps the booted deployment as rollback.
func (f *OSTree) deploy(revision string, onStatus process.StatusFunc) *process.Result {
	f.stream(onStatus)

	next := []string{revision}
	if f.booted != "" && f.booted != revision && slices.Contains(f.deployments, f.booted) {
		next = append(next, f.booted)
	} else if len(f.deployments) > 0 && f.deployments[0] != revision {
		next = append(next, f.deployments[0])
	}

	f.deployments = next

	return ok("Transaction complete; bootconfig swap: yes\n")
}

// cat prints the metadata document of revision.
func (f *OSTree) cat(revision string) *process.Result {
	document, found := f.metadata[revision]
	if !found {
		return &process.Result{
			Stderr:   "error: No such file or directory",
			ExitCode: 1,
		}
	}

	return ok(document)
}

// stream forwards progress lines to onStatus.
func (f *OSTree) stream(onStatus process.StatusFunc) {
	if onStatus == nil {
		return
	}

	for _, line := range f.progress {
		onStatus(line)
	}
}

// command extracts the subcommand from an argument list.
func command(args []string) string {
	positional := positionalArgs(args)
	if len(positional) == 0 {
		return ""
	}

	if positional[0] == "admin" && len(positional) > 1 {
		return "admin " + positional[1]
	}

	return positional[0]
}

// positionalArgs drops flags from args.
func positionalArgs(args []string) []string {
	result := make([]string, 0, len(args))

	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") {
			result = append(result, arg)
		}
	}

	return result
}

func ok(output string) *process.Result {
	return &process.Result{Output: output, Success: true}
}
