// Termtest is a manual testing tool for the kernel's terminal adapter. Lacking simple PTY support,
// running this tool by hand is easier than writing automated tests for real raw-mode I/O.
package main

import (
	"context"
	"os"
	"time"

	"github.com/gokernel/corekernel/internal/log"
	"github.com/gokernel/corekernel/internal/term"
)

var logger = log.DefaultLogger()

type echoKeyboard struct{ disp *term.Console }

func (e echoKeyboard) Push(b uint8) { e.disp.WriteRune(rune(b)) }

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	console, err := term.NewConsole(os.Stdin, os.Stdout)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}

	defer console.Restore()

	console.Run(ctx, echoKeyboard{disp: console})

	logger.Info("Polling keyboard. Type keys.")

	console.WriteRune('\n')

	<-ctx.Done()

	logger.Info("Done")
}
