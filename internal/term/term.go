// Package term adapts a host terminal into the kernel's two external I/O collaborators: a
// framebuffer text sink and a keyboard scancode source. Raw-mode setup goes through
// golang.org/x/term and golang.org/x/sys/unix, with a read-goroutine/channel shape feeding scancodes
// to the kernel's Display/Keyboard interfaces; the framebuffer terminal and keyboard driver are
// treated as opaque I/O sinks/sources outside the core.
package term

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Keyboard is the narrow contract the core's shell reads keypresses through.
type Keyboard interface {
	Push(scancode uint8)
}

// Display is the narrow contract the core writes framebuffer text through.
type Display interface {
	WriteRune(r rune)
}

// ErrNoTTY is returned if standard input is not a terminal. In this case, asynchronous I/O is not
// supported by the console.
var ErrNoTTY error = errors.New("term: not a TTY")

// Console adapts a real terminal to the kernel's Display/Keyboard collaborator contracts.
type Console struct {
	in    *os.File
	out   *term.Terminal
	fd    int
	state *term.State

	keyCh chan uint8
}

// NewConsole creates a Console using the provided streams. If the input stream is not a terminal,
// ErrNoTTY is returned. Callers are responsible for calling Restore to return the terminal to its
// initial state.
func NewConsole(sin, sout *os.File) (*Console, error) {
	fd := int(sin.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTTY, err)
	}

	cons := Console{
		fd:    fd,
		in:    sin,
		out:   term.NewTerminal(sout, ""),
		state: saved,
		keyCh: make(chan uint8, 1),
	}

	if err := cons.setTerminalParams(1, 0); err != nil {
		return nil, err
	}

	return &cons, nil
}

// Run starts the console's read loop and forwards keys to kbd until ctx is cancelled.
func (c *Console) Run(ctx context.Context, kbd Keyboard) {
	go c.readTerminal(ctx)
	go c.updateKeyboard(ctx, kbd)
}

// Writer returns an io.Writer that writes to the terminal.
func (c *Console) Writer() io.Writer { return c.out }

// Restore returns the terminal to its initial state and unblocks any in-progress read.
func (c *Console) Restore() {
	_ = c.in.SetReadDeadline(time.Now())
	_ = term.Restore(c.fd, c.state)
}

func (c *Console) setTerminalParams(vmin, vtime byte) error {
	_ = syscall.SetNonblock(c.fd, true)

	termIO, err := unix.IoctlGetTermios(c.fd, getTermiosIoctl)
	if err != nil {
		return err
	}

	termIO.Cc[unix.VMIN] = vmin
	termIO.Cc[unix.VTIME] = vtime

	if err := unix.IoctlSetTermios(c.fd, setTermiosIoctl, termIO); err != nil {
		return err
	}

	_ = c.in.SetReadDeadline(time.Time{})

	return nil
}

// readTerminal reads bytes from the terminal and forwards them to the key channel until ctx is
// cancelled.
func (c *Console) readTerminal(ctx context.Context) {
	buf := bufio.NewReader(c.in)

	_ = syscall.SetNonblock(c.fd, false)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b, err := buf.ReadByte()
		if err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case c.keyCh <- b:
		}
	}
}

// updateKeyboard delivers buffered keys to kbd until ctx is cancelled.
func (c *Console) updateKeyboard(ctx context.Context, kbd Keyboard) {
	for {
		select {
		case <-ctx.Done():
			return
		case key := <-c.keyCh:
			kbd.Push(key)
		}
	}
}

// WriteRune writes a single character to the console, satisfying Display.
func (c *Console) WriteRune(r rune) {
	fmt.Fprintf(c.out, "%c", r)
}
