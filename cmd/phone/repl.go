package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/Wyydra/yacall/internal/core/domain"
)

const replHelp = `commands:
  a, accept    accept the ringing call
  d, decline   decline the ringing call
  e, end       hang up
  m, mute      toggle microphone
  v, video     toggle camera
  s, status    show the current session
  q, quit      hang up and exit`

// repl reads commands from in until quit, EOF or ctx is done.
func repl(ctx context.Context, a *app, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(out, MutedStyle.Render("type h for help"))
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := runCommand(ctx, a, line, out)
			if err != nil {
				printError(err.Error())
			}
			if quit {
				return nil
			}
		}
	}
}

func runCommand(ctx context.Context, a *app, line string, out io.Writer) (bool, error) {
	switch line {
	case "":
		return false, nil
	case "a", "accept":
		return false, a.calls.Accept(ctx)
	case "d", "decline":
		return false, a.calls.Decline(ctx)
	case "e", "end":
		return false, a.calls.EndCall(ctx)
	case "m", "mute":
		on, err := a.calls.ToggleAudio(ctx)
		if err == nil {
			fmt.Fprintln(out, MutedStyle.Render("audio "+onOff(on)))
		}
		return false, err
	case "v", "video":
		on, err := a.calls.ToggleVideo(ctx)
		if err == nil {
			fmt.Fprintln(out, MutedStyle.Render("video "+onOff(on)))
		}
		return false, err
	case "s", "status":
		fmt.Fprintln(out, renderSession(a.calls.Session()))
		return false, nil
	case "h", "help", "?":
		fmt.Fprintln(out, replHelp)
		return false, nil
	case "q", "quit", "exit":
		if a.calls.Session().Status != domain.StatusIdle {
			return true, a.calls.EndCall(ctx)
		}
		return true, nil
	}
	return false, fmt.Errorf("unknown command %q", line)
}
