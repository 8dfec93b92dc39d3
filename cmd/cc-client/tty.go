package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/creack/pty"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"cc-client/internal/core"
)

// detachKey is Ctrl-].
const detachKey = 0x1d

var (
	errDetached     = errors.New("detached")
	errSessionEnded = errors.New("session ended")
)

// ttyRenderer feeds output straight to the local terminal, which keeps its
// own scrollback.
type ttyRenderer struct {
	w   io.Writer
	tty *os.File
}

func (r ttyRenderer) Feed(p []byte) { _, _ = r.w.Write(p) }

func (ttyRenderer) ScrollTo(float64) {}

func (r ttyRenderer) Size() (cols, rows int) {
	ws, err := pty.GetsizeFull(r.tty)
	if err != nil {
		return 0, 0
	}
	return int(ws.Cols), int(ws.Rows)
}

// interactive puts the terminal in raw mode and bridges it to sessionID
// until the user detaches, the session ends or ctx is cancelled.
func (a *app) interactive(ctx context.Context, eng *engine, sessionID string) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return errors.New("attach needs an interactive terminal")
	}
	fmt.Fprintf(a.errOut, "attached to %s, press Ctrl-] to detach\n", core.Session{SessionID: sessionID}.ShortID())
	state, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	defer func() {
		_ = term.Restore(fd, state)
		fmt.Fprintln(a.errOut)
	}()

	r := ttyRenderer{w: a.out, tty: os.Stdout}
	eng.PrepareForAttach()
	eng.AttachRenderer(r)
	defer eng.DetachRenderer()
	if err := eng.Attach(sessionID); err != nil {
		return err
	}

	input := make(chan []byte)
	// The reader blocks in Read and is left behind on detach; the process
	// exits right after.
	go readInput(os.Stdin, input)
	winch := make(chan os.Signal, 1)
	notifyResize(winch)
	defer signal.Stop(winch)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pumpInput(gctx, input, eng.SendTerminalInput)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-winch:
				if cols, rows := r.Size(); cols > 0 && rows > 0 {
					eng.SendResize(cols, rows)
				}
			}
		}
	})
	g.Go(func() error {
		return watchSession(gctx, eng, sessionID)
	})

	err = g.Wait()
	switch {
	case errors.Is(err, errDetached):
		return nil
	case errors.Is(err, errSessionEnded):
		fmt.Fprintf(a.errOut, "\r\nsession %s ended\r\n", core.Session{SessionID: sessionID}.ShortID())
		return nil
	}
	return err
}

func readInput(r io.Reader, out chan<- []byte) {
	defer close(out)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			out <- append([]byte(nil), buf[:n]...)
		}
		if err != nil {
			return
		}
	}
}

// pumpInput forwards input chunks to send. Bytes before the detach key are
// still sent; the key itself never is.
func pumpInput(ctx context.Context, input <-chan []byte, send func([]byte)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-input:
			if !ok {
				return errDetached
			}
			if i := bytes.IndexByte(p, detachKey); i >= 0 {
				if i > 0 {
					send(p[:i])
				}
				return errDetached
			}
			send(p)
		}
	}
}

// watchSession returns errSessionEnded once the attached session stops
// running, and surfaces control plane errors about it.
func watchSession(ctx context.Context, eng *engine, sessionID string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ch := <-eng.changes:
			switch {
			case ch.Kind == core.ChangeNotice && ch.SessionID == sessionID:
				return fmt.Errorf("control plane: %s", ch.Message)
			case ch.Kind == core.ChangeSessions && ch.SessionID == sessionID:
				if ended(eng.Snapshot().Sessions, sessionID) {
					return errSessionEnded
				}
			}
		}
	}
}

func ended(sessions []core.Session, sessionID string) bool {
	for _, s := range sessions {
		if s.SessionID == sessionID {
			switch s.Status {
			case core.SessionStopped, core.SessionExited, core.SessionError:
				return true
			}
			return false
		}
	}
	return false
}
