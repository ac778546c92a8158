// Package pr is the operator console's output layer: a thin wrapper that
// keeps stdout/stderr pointed at readline's own buffers once interactive
// input is live, so prompt redraws and printed lines never interleave
// badly on the terminal. It also exposes pretty-printing helpers for
// dumping domain values (dialogs, sync results) during interactive use.
//
// Concurrency: the mutex guards only the writer pointers and the
// cancelable-stdin handle; it does not serialize the writes themselves —
// that's left to the underlying writer (readline's own buffers are safe
// for concurrent use).
package pr

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/chzyer/readline"
	"github.com/kr/pretty"
)

// console holds the active readline instance and the writer pair commands
// print through. Before Init, both writers point at the process's own
// stdout/stderr so early startup logging still reaches the terminal.
type console struct {
	mu sync.Mutex

	rl     *readline.Instance
	stdout io.Writer
	stderr io.Writer

	// cancelStdin, once closed, makes a blocked Readline() return io.EOF so
	// shutdown doesn't wait forever on terminal input.
	cancelStdin interface{ Close() error }
}

var term = console{stdout: os.Stdout, stderr: os.Stderr}

// Init starts readline over a cancelable stdin and repoints the package's
// output streams at its buffers. Not safe to call twice.
func Init() error {
	cs := readline.NewCancelableStdin(os.Stdin)
	rl, err := readline.NewEx(&readline.Config{Stdin: cs})
	if err != nil {
		_ = cs.Close()
		return err
	}

	term.mu.Lock()
	term.rl = rl
	term.cancelStdin = cs
	term.stdout = rl.Stdout()
	term.stderr = rl.Stderr()
	term.mu.Unlock()
	return nil
}

// InterruptReadline closes the cancelable stdin so a pending Readline()
// call unblocks with io.EOF. Safe to call more than once.
func InterruptReadline() {
	term.mu.Lock()
	cs := term.cancelStdin
	term.mu.Unlock()
	if cs != nil {
		_ = cs.Close()
	}
}

// SetPrompt sets the prompt string shown before each Readline() call.
// Assumes Init has already run.
func SetPrompt(prompt string) {
	term.rl.SetPrompt(prompt)
}

// Rl returns the active readline instance, or nil if Init hasn't run.
func Rl() *readline.Instance {
	return term.rl
}

// Stdout returns the current stdout writer.
func Stdout() io.Writer {
	term.mu.Lock()
	defer term.mu.Unlock()
	return term.stdout
}

// Stderr returns the current stderr writer.
func Stderr() io.Writer {
	term.mu.Lock()
	defer term.mu.Unlock()
	return term.stderr
}

// Print writes a to Stdout with no trailing newline.
func Print(a ...any) {
	fmt.Fprint(Stdout(), a...)
}

// Println writes a to Stdout followed by a newline. Works before Init too,
// falling back to os.Stdout.
func Println(a ...any) {
	fmt.Fprintln(Stdout(), a...)
}

// Printf formats and writes to Stdout.
func Printf(format string, a ...any) {
	fmt.Fprintf(Stdout(), format, a...)
}

// ErrPrint writes a to Stderr with no trailing newline.
func ErrPrint(a ...any) {
	fmt.Fprint(Stderr(), a...)
}

// ErrPrintln writes a to Stderr followed by a newline.
func ErrPrintln(a ...any) {
	fmt.Fprintln(Stderr(), a...)
}

// ErrPrintf formats and writes to Stderr.
func ErrPrintf(format string, a ...any) {
	fmt.Fprintf(Stderr(), format, a...)
}

// PP pretty-prints v to Stdout. Handy in the interactive console for
// inspecting a dialog or sync result; avoid on hot paths given the
// reflection overhead.
func PP(v any) {
	fmt.Fprintf(Stdout(), "%# v\n", pretty.Formatter(v))
}

// Pf renders v's pretty-printed form as a string.
func Pf(v any) string {
	return fmt.Sprintf("%# v\n", pretty.Formatter(v))
}
