// Package shell is the kernel's minimal interactive shell: it reads a line, tokenizes it,
// dispatches a fixed set of builtins, and for anything else resolves an ELF path through an
// environment-defined search list and hands it to the ELF loader. It is the entry point the fault
// handler calls to resume the kernel after a user-mode fault recovers.
//
// Commands are dispatched the way internal/cli.Command dispatches an outer process CLI (a name,
// a description, a Run function, out of a small table), generalized to an in-kernel command loop
// with its own builtins instead of flag.FlagSet-backed subcommands.
package shell

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/gokernel/corekernel/internal/fs"
	"github.com/gokernel/corekernel/internal/log"
)

// Loader is the subset of internal/exec.Loader the shell needs: load a path and report whether
// the launch reached user mode. internal/kernel supplies the concrete adapter, since launching a
// process also requires the CPU transition primitive that lives outside this package.
type Loader interface {
	Launch(path string) error
}

// Builtin is a shell command implemented entirely in the kernel, taking its arguments and writing
// output to out.
type Builtin func(sh *Shell, args []string, out io.Writer) int

// Shell is the minimal command loop.
type Shell struct {
	vfs    *fs.VFS
	loader Loader
	env    map[string]string
	path   []string

	builtins map[string]Builtin

	in  *bufio.Scanner
	out io.Writer
	log *log.Logger

	exited bool
}

// defaultPath is the initial search list non-builtin commands are resolved against. It is mutable
// at runtime via the export/set/unset builtins.
var defaultPath = []string{"/bin", "/usr/bin"}

// New returns a Shell reading commands from in and writing output to out.
func New(logger *log.Logger, vfs *fs.VFS, loader Loader, in io.Reader, out io.Writer) *Shell {
	sh := &Shell{
		vfs:    vfs,
		loader: loader,
		env:    map[string]string{"PATH": strings.Join(defaultPath, ":")},
		path:   append([]string(nil), defaultPath...),
		in:     bufio.NewScanner(in),
		out:    out,
		log:    logger,
	}

	sh.builtins = map[string]Builtin{
		"help":   builtinHelp,
		"clear":  builtinClear,
		"pwd":    builtinPwd,
		"cd":     builtinCd,
		"ls":     builtinLs,
		"chmod":  builtinChmod,
		"export": builtinExport,
		"unset":  builtinUnset,
		"set":    builtinSet,
		"exit":   builtinExit,
		"su":     builtinSu,
		"reboot": builtinReboot,
		"gui":    builtinGui,
	}

	return sh
}

// Prompt is written before each line is read.
const Prompt = "$ "

// Run is the entry point the fault handler calls to resume the kernel shell. It reads and
// dispatches lines until the input is exhausted or a builtin sets Shell.exited (the "exit"
// builtin).
func (sh *Shell) Run() {
	for !sh.exited {
		fmt.Fprint(sh.out, Prompt)

		if !sh.in.Scan() {
			return
		}

		sh.Dispatch(sh.in.Text())
	}
}

// Dispatch tokenizes and runs a single line.
func (sh *Shell) Dispatch(line string) int {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return 0
	}

	name, args := tokens[0], tokens[1:]

	if b, ok := sh.builtins[name]; ok {
		return b(sh, args, sh.out)
	}

	return sh.launch(name, args)
}

// launch resolves name against the shell's search list and invokes the ELF loader.
func (sh *Shell) launch(name string, _ []string) int {
	if strings.HasPrefix(name, "/") {
		return sh.tryLaunch(name)
	}

	for _, dir := range sh.path {
		candidate := strings.TrimSuffix(dir, "/") + "/" + name
		if rc := sh.tryLaunch(candidate); rc == 0 {
			return 0
		}
	}

	fmt.Fprintf(sh.out, "%s: command not found\n", name)

	return 127
}

func (sh *Shell) tryLaunch(path string) int {
	if _, err := sh.vfs.Open(path); err != nil {
		return 127
	}

	if err := sh.loader.Launch(path); err != nil {
		fmt.Fprintf(sh.out, "%s: %s\n", path, err)
		return 1
	}

	return 0
}

func builtinHelp(sh *Shell, _ []string, out io.Writer) int {
	names := make([]string, 0, len(sh.builtins))
	for name := range sh.builtins {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		fmt.Fprintln(out, name)
	}

	return 0
}

func builtinClear(_ *Shell, _ []string, out io.Writer) int {
	fmt.Fprint(out, "\x1b[2J\x1b[H")
	return 0
}

func builtinPwd(sh *Shell, _ []string, out io.Writer) int {
	fmt.Fprintln(out, sh.vfs.Cwd())
	return 0
}

func builtinCd(sh *Shell, args []string, out io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(out, "cd: usage: cd dir")
		return 1
	}

	if err := sh.vfs.Chdir(args[0]); err != nil {
		fmt.Fprintf(out, "cd: %s\n", err)
		return 1
	}

	return 0
}

func builtinLs(sh *Shell, _ []string, out io.Writer) int {
	entries, err := sh.vfs.List()
	if err != nil {
		fmt.Fprintf(out, "ls: %s\n", err)
		return 1
	}

	for _, e := range entries {
		fmt.Fprintf(out, "%s  ", e.Name)
	}

	fmt.Fprintln(out)

	return 0
}

func builtinChmod(sh *Shell, args []string, out io.Writer) int {
	if len(args) != 2 {
		fmt.Fprintln(out, "chmod: usage: chmod mode name")
		return 1
	}

	var mode uint16

	if _, err := fmt.Sscanf(args[0], "%o", &mode); err != nil {
		fmt.Fprintf(out, "chmod: bad mode %q\n", args[0])
		return 1
	}

	if err := sh.vfs.Chmod(args[1], mode); err != nil {
		fmt.Fprintf(out, "chmod: %s\n", err)
		return 1
	}

	return 0
}

// builtinExport and builtinSet both assign into the shell's environment (set runs export), and
// both rebuild the PATH search list when the assigned name is PATH.
func builtinExport(sh *Shell, args []string, out io.Writer) int {
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok {
			fmt.Fprintf(out, "export: usage: export NAME=value\n")
			return 1
		}

		sh.env[name] = value

		if name == "PATH" {
			sh.path = strings.Split(value, ":")
		}
	}

	return 0
}

func builtinSet(sh *Shell, args []string, out io.Writer) int {
	return builtinExport(sh, args, out)
}

func builtinUnset(sh *Shell, args []string, _ io.Writer) int {
	for _, name := range args {
		delete(sh.env, name)

		if name == "PATH" {
			sh.path = nil
		}
	}

	return 0
}

func builtinExit(sh *Shell, _ []string, _ io.Writer) int {
	sh.exited = true
	return 0
}

// builtinSu is a supplemented feature with no real privilege model behind it: the kernel has a
// single, always-privileged shell, so su only acknowledges the request.
func builtinSu(_ *Shell, _ []string, out io.Writer) int {
	fmt.Fprintln(out, "su: already root")
	return 0
}

func builtinReboot(sh *Shell, _ []string, out io.Writer) int {
	fmt.Fprintln(out, "reboot: not supported in this build")
	sh.exited = true

	return 0
}

func builtinGui(_ *Shell, _ []string, out io.Writer) int {
	fmt.Fprintln(out, "gui: not supported in this build")
	return 1
}
