package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/charmbracelet/lipgloss"
)

var (
	Primary = lipgloss.Color("#22d3ee")
	Success = lipgloss.Color("#10B981")
	Warning = lipgloss.Color("#F59E0B")
	Error   = lipgloss.Color("#EF4444")
	Muted   = lipgloss.Color("#6B7280")
)

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(Primary)

	SuccessStyle = lipgloss.NewStyle().
			Foreground(Success).
			Bold(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(Error).
			Bold(true)

	WarningStyle = lipgloss.NewStyle().
			Foreground(Warning)

	MutedStyle = lipgloss.NewStyle().
			Foreground(Muted)

	StatusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#111827")).
			Background(Primary).
			Padding(0, 1).
			Bold(true)

	RingStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Warning).
			Padding(0, 2)
)

func printError(msg string) {
	fmt.Fprintln(os.Stderr, ErrorStyle.Render("✗ "+msg))
}

func printSuccess(msg string) {
	fmt.Println(SuccessStyle.Render("✓ " + msg))
}

// eventPrinter renders call events. A non-empty prefix tags every line,
// which the demo uses to tell two local parties apart.
type eventPrinter struct {
	mu     sync.Mutex
	out    io.Writer
	prefix string
}

func newEventPrinter(out io.Writer, prefix string) *eventPrinter {
	return &eventPrinter{out: out, prefix: prefix}
}

func (p *eventPrinter) Notify(ev domain.Event) {
	line := p.render(ev)
	if line == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.prefix != "" {
		line = MutedStyle.Render(fmt.Sprintf("[%s]", p.prefix)) + " " + line
	}
	fmt.Fprintln(p.out, line)
}

func (p *eventPrinter) render(ev domain.Event) string {
	who := ev.Remote.String()
	if ev.Profile != nil {
		who = ev.Profile.Name()
	}
	switch ev.Kind {
	case domain.EventStatusChanged:
		return StatusStyle.Render(string(ev.Status))
	case domain.EventIncomingCall:
		return RingStyle.Render(fmt.Sprintf("Incoming call from %s\n[a]ccept  [d]ecline", TitleStyle.Render(who)))
	case domain.EventCallConnected:
		return SuccessStyle.Render("Connected to " + who)
	case domain.EventRemoteMedia:
		if ev.Media == nil {
			return ""
		}
		return MutedStyle.Render(fmt.Sprintf("Receiving %s from %s", ev.Media.Kind, who))
	case domain.EventParticipantJoined:
		return SuccessStyle.Render(who + " joined")
	case domain.EventParticipantLeft:
		return WarningStyle.Render(who + " left")
	case domain.EventError:
		return ErrorStyle.Render("✗ " + ev.Err.Error())
	}
	return ""
}

func renderSession(s domain.CallSession) string {
	status := StatusStyle.Render(string(s.Status))
	if s.Remote.IsZero() && !s.Hosting {
		return status
	}
	detail := s.Remote.String()
	if s.Hosting {
		detail = fmt.Sprintf("hosting %d participant(s)", len(s.Participants))
	}
	media := fmt.Sprintf("audio:%s video:%s", onOff(s.AudioEnabled), onOff(s.VideoEnabled))
	out := fmt.Sprintf("%s %s %s", status, detail, MutedStyle.Render(media))
	if len(s.Queued) > 0 {
		out += WarningStyle.Render(fmt.Sprintf(" (%d waiting)", len(s.Queued)))
	}
	return out
}

func renderRecord(r domain.CallRecord) string {
	arrow := "→"
	if r.Direction == domain.DirectionIncoming {
		arrow = "←"
	}
	style := MutedStyle
	switch r.Outcome {
	case domain.OutcomeAnswered:
		style = SuccessStyle
	case domain.OutcomeMissed, domain.OutcomeFailed:
		style = ErrorStyle
	}
	line := fmt.Sprintf("%s  %s %-16s %s",
		r.StartedAt.Local().Format(time.DateTime), arrow, r.Remote, style.Render(string(r.Outcome)))
	if d := r.Duration(); d > 0 {
		line += MutedStyle.Render(" " + d.Round(time.Second).String())
	}
	return line
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
