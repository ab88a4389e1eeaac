// ABOUTME: Renderer implementations - colored terminal transcript and HTML export
// ABOUTME: Both consume the same Model built by the binding

package view

import (
	"fmt"
	"html"
	"io"
	"log/slog"
	"strings"

	"github.com/fatih/color"

	"github.com/sidechat/sidechat/internal/store"
)

// TerminalRenderer paints the transcript onto a terminal writer.
type TerminalRenderer struct {
	out io.Writer

	title     *color.Color
	user      *color.Color
	assistant *color.Color
	warn      *color.Color
	fail      *color.Color
	dim       *color.Color
}

func NewTerminalRenderer(out io.Writer) *TerminalRenderer {
	return &TerminalRenderer{
		out:       out,
		title:     color.New(color.FgCyan, color.Bold),
		user:      color.New(color.FgGreen, color.Bold),
		assistant: color.New(color.FgWhite),
		warn:      color.New(color.FgYellow),
		fail:      color.New(color.FgRed),
		dim:       color.New(color.Faint),
	}
}

func (r *TerminalRenderer) Render(m Model) error {
	r.title.Fprintf(r.out, "── %s ──\n", m.Title)
	if m.Hidden > 0 {
		r.dim.Fprintf(r.out, "(%d earlier messages not shown)\n", m.Hidden)
	}

	for _, msg := range m.Messages {
		switch msg.Role {
		case store.RoleUser:
			r.user.Fprint(r.out, "you> ")
			fmt.Fprintln(r.out, msg.Content)
		case store.RoleAssistant:
			r.renderAssistant(msg)
		case store.RoleError:
			r.fail.Fprintf(r.out, "error: %s\n", msg.Content)
		}
	}

	if !m.InputEnabled {
		r.dim.Fprintln(r.out, "… waiting for reply (/cancel to abort)")
	}
	return nil
}

func (r *TerminalRenderer) renderAssistant(msg store.Message) {
	if msg.Content != "" {
		r.assistant.Fprintln(r.out, msg.Content)
	}
	if msg.Status == nil {
		return
	}
	switch msg.Status.Phase {
	case store.PhasePending:
		r.dim.Fprintln(r.out, "[connecting]")
	case store.PhaseStreaming:
		r.dim.Fprintln(r.out, "[streaming]")
	case store.PhaseWarning:
		r.warn.Fprintf(r.out, "[%s]\n", msg.Status.Text)
	case store.PhaseError:
		r.fail.Fprintf(r.out, "[%s]\n", msg.Status.Text)
	}
}

// HTMLRenderer writes the transcript as a standalone HTML fragment, with
// assistant markdown converted through goldmark. It backs transcript
// export; interactive markup stays behind the Renderer interface.
type HTMLRenderer struct {
	out    io.Writer
	logger *slog.Logger
}

func NewHTMLRenderer(out io.Writer, logger *slog.Logger) *HTMLRenderer {
	return &HTMLRenderer{out: out, logger: logger}
}

func (r *HTMLRenderer) Render(m Model) error {
	var b strings.Builder
	fmt.Fprintf(&b, "<section class=\"conversation\" data-id=%q>\n", m.ConversationID)
	fmt.Fprintf(&b, "<h2>%s</h2>\n", html.EscapeString(m.Title))
	for _, msg := range m.Messages {
		switch msg.Role {
		case store.RoleUser:
			fmt.Fprintf(&b, "<div class=\"user\"><p>%s</p></div>\n", html.EscapeString(msg.Content))
		case store.RoleAssistant:
			fmt.Fprintf(&b, "<div class=\"assistant\">%s</div>\n", RenderMarkdown(r.logger, msg.Content))
		case store.RoleError:
			fmt.Fprintf(&b, "<div class=\"error\"><p>%s</p></div>\n", html.EscapeString(msg.Content))
		}
	}
	b.WriteString("</section>\n")

	_, err := io.WriteString(r.out, b.String())
	return err
}
