package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/yukin371/streamgate/internal/config"
	"github.com/yukin371/streamgate/internal/core"
	"github.com/yukin371/streamgate/internal/storage"
)

// Adapter writes the streamed response to stdout and status lines to stderr.
// Only response text goes to stdout so it can be piped.
type Adapter struct {
	mu     sync.Mutex
	out    io.Writer
	status io.Writer
	styles styles
	dirty  bool // 最后写出的字符不是换行
}

type styles struct {
	label lipgloss.Style
	value lipgloss.Style
	warn  lipgloss.Style
	err   lipgloss.Style
	dim   lipgloss.Style
}

// NewAdapter creates a CLI adapter. Colors are used only when status is a terminal.
func NewAdapter(out, status io.Writer) *Adapter {
	return &Adapter{
		out:    out,
		status: status,
		styles: newStyles(status),
	}
}

func newStyles(w io.Writer) styles {
	if !IsTerminal(w) {
		plain := lipgloss.NewStyle()
		return styles{label: plain, value: plain, warn: plain, err: plain, dim: plain}
	}
	r := lipgloss.NewRenderer(w)
	return styles{
		label: r.NewStyle().Foreground(lipgloss.Color("#7aa2f7")),
		value: r.NewStyle().Bold(true),
		warn:  r.NewStyle().Foreground(lipgloss.Color("#e0af68")),
		err:   r.NewStyle().Foreground(lipgloss.Color("#f7768e")).Bold(true),
		dim:   r.NewStyle().Foreground(lipgloss.Color("#565f89")),
	}
}

// IsTerminal reports whether w is a terminal
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// SendStream writes one chunk as soon as it arrives
func (a *Adapter) SendStream(content string) {
	if content == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	fmt.Fprint(a.out, content)
	a.dirty = !strings.HasSuffix(content, "\n")
}

// EndStream terminates the response with a single newline
func (a *Adapter) EndStream() {
	a.mu.Lock()
	defer a.mu.Unlock()
	fmt.Fprintln(a.out)
	a.dirty = false
}

// ShowSummary prints the request summary to the status stream
func (a *Adapter) ShowSummary(cfg core.ModelConfig, outcome core.ChatOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.styles
	fmt.Fprintf(a.status, "%s %s\n", s.label.Render("model:"), s.value.Render(string(cfg.Provider)+"/"+cfg.Model))
	fmt.Fprintf(a.status, "%s %d\n", s.label.Render("approx input tokens:"), outcome.ApproxInputTokens)
	fmt.Fprintf(a.status, "%s %d\n", s.label.Render("approx output tokens:"), outcome.ApproxOutputTokens)
	fmt.Fprintln(a.status, s.dim.Render(fmt.Sprintf("%d chunks in %s, request %s",
		outcome.Chunks, outcome.Duration.Round(time.Millisecond), outcome.RequestID)))
}

// ShowWarning prints a non-fatal problem
func (a *Adapter) ShowWarning(msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fmt.Fprintln(a.status, a.styles.warn.Render("warning: ")+msg)
}

// ShowError prints err on the status stream. A partially written response is
// terminated first so the message starts on its own line.
func (a *Adapter) ShowError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dirty {
		fmt.Fprintln(a.out)
		a.dirty = false
	}
	fmt.Fprintln(a.status, a.styles.err.Render("error: ")+err.Error())
}

// ShowModels lists the catalog aliases
func (a *Adapter) ShowModels(catalog config.Catalog) {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := catalog.Names()
	width := 0
	for _, n := range names {
		if len(n) > width {
			width = len(n)
		}
	}
	for _, n := range names {
		alias := catalog[n]
		line := fmt.Sprintf("%-*s  %-8s %s", width, n, alias.Provider, alias.Model)
		if where := alias.Region + alias.Endpoint; where != "" {
			line += " " + a.styles.dim.Render("("+where+")")
		}
		fmt.Fprintln(a.out, line)
	}
}

// ShowUsage prints the usage ledger totals
func (a *Adapter) ShowUsage(sums []storage.Summary) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(sums) == 0 {
		fmt.Fprintln(a.status, a.styles.dim.Render("no requests recorded"))
		return
	}
	fmt.Fprintf(a.out, "%-8s %-48s %8s %6s %10s %10s %10s\n",
		"PROVIDER", "MODEL", "REQUESTS", "FAILED", "IN", "OUT", "TIME")
	for _, s := range sums {
		fmt.Fprintf(a.out, "%-8s %-48s %8d %6d %10d %10d %10s\n",
			s.Provider, s.Model, s.Requests, s.Failed, s.InputTokens, s.OutputTokens, s.TotalTime.Round(time.Millisecond))
	}
}

// ShowRecord prints one ledger entry
func (a *Adapter) ShowRecord(r *storage.Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.styles
	row := func(label string, value interface{}) {
		fmt.Fprintf(a.out, "%s%s %v\n", s.label.Render(label), strings.Repeat(" ", 9-len(label)), value)
	}
	row("request", r.ID)
	row("model", r.Provider+"/"+r.Model)
	row("status", r.Status)
	row("finished", r.FinishedAt.Local().Format(time.DateTime))
	row("duration", r.Duration.Round(time.Millisecond))
	row("tokens", fmt.Sprintf("%d in, %d out (approx)", r.InputTokens, r.OutputTokens))
	row("chunks", r.Chunks)
	if r.StatusCode != 0 {
		row("http", r.StatusCode)
	}
	if r.Error != "" {
		row("error", s.err.Render(r.Error))
	}
}
