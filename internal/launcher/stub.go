package launcher

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/moby/sys/reexec"
	mobysignal "github.com/moby/sys/signal"
	"golang.org/x/sys/unix"
)

const (
	// stubName is the argv[0] under which the re-executed binary runs the
	// suspended stub instead of its regular main.
	stubName = "spawntrace-suspended"

	// privateEnvPrefix marks variables meant for the stub only. They are
	// removed before the target image is loaded.
	privateEnvPrefix  = "_SPAWNTRACE_"
	envResumeSignal   = privateEnvPrefix + "RESUME_SIGNAL"
	readyFD           = 3
	readyByte         = byte('R')
	defaultResumeName = "SIGUSR1"
)

func init() {
	reexec.Register(stubName, stubMain)
}

func stubMain() {
	os.Exit(runStub(os.Args[1:], os.Getenv(envResumeSignal)))
}

// runStub parks the child until the resume signal arrives, then replaces its
// image with argv. It only returns when that replacement failed.
func runStub(argv []string, resumeName string) int {
	ready := os.NewFile(uintptr(readyFD), "ready")
	fail := func(reason string) int {
		if ready != nil {
			_, _ = ready.Write([]byte(reason))
		}
		fmt.Fprintf(os.Stderr, "spawntrace: %s\n", reason)
		return ExitExecFailed
	}
	if len(argv) == 0 {
		return fail(ErrNoCommand.Error())
	}
	if resumeName == "" {
		resumeName = defaultResumeName
	}
	resume, err := mobysignal.ParseSignal(resumeName)
	if err != nil {
		return fail(err.Error())
	}

	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, resume, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGHUP)
	if ready != nil {
		syscall.CloseOnExec(readyFD)
		if _, err := ready.Write([]byte{readyByte}); err != nil {
			return fail(fmt.Sprintf("report readiness: %v", err))
		}
	}

	for sig := range sigs {
		if sig == resume {
			break
		}
		fmt.Fprintf(os.Stderr, "spawntrace: suspended target got %v, still waiting for %v\n", sig, resume)
	}
	signal.Reset()

	path, err := lookPath(argv[0])
	if err != nil {
		return fail(err.Error())
	}
	if err := unix.Exec(path, argv, targetEnv(os.Environ())); err != nil {
		return fail(fmt.Sprintf("%s: %v", path, err))
	}
	return 0
}

// lookPath resolves name the way execvp does: names with a slash are used
// as is, others are searched in PATH, including relative PATH entries.
func lookPath(name string) (string, error) {
	path, err := exec.LookPath(name)
	if errors.Is(err, exec.ErrDot) {
		return path, nil
	}
	return path, err
}

func targetEnv(environ []string) []string {
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		if strings.HasPrefix(kv, privateEnvPrefix) {
			continue
		}
		out = append(out, kv)
	}
	return out
}
