package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/ssellini/EMT/internal/display"
	"github.com/ssellini/EMT/internal/stops"
	"github.com/ssellini/EMT/pkg/emt/models"
)

// maxFollowing is how many later buses are listed after the next one
const maxFollowing = 3

// Row prefixes are five bytes wide so tabwriter pads coloured rows evenly.
const (
	ansiBold  = "\x1b[01m"
	ansiReset = "\x1b[0m"
)

var urgencyColors = map[display.Urgency]string{
	display.Critical: "\x1b[31m",
	display.Soon:     "\x1b[33m",
	display.Normal:   "\x1b[32m",
	display.Later:    "\x1b[37m",
}

// renderer writes boards and lists. Refresh ticks render from another
// goroutine, so every method holds mu.
type renderer struct {
	mu     sync.Mutex
	w      io.Writer
	errW   io.Writer
	color  bool
	json   bool
	filter display.Filter
}

func newRenderer(w, errW io.Writer, color, asJSON bool, filter display.Filter) *renderer {
	return &renderer{w: w, errW: errW, color: color && !asJSON, json: asJSON, filter: filter}
}

// newTerminalRenderer colours output only when stdout is a terminal
func newTerminalRenderer(asJSON bool, filter display.Filter) *renderer {
	fd := os.Stdout.Fd()
	color := (isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)) && os.Getenv("NO_COLOR") == ""
	return newRenderer(colorable.NewColorableStdout(), colorable.NewColorableStderr(), color, asJSON, filter)
}

func (r *renderer) Board(res *models.Result, favorite bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.json {
		return r.writeJSON(res)
	}

	title := fmt.Sprintf("%s (%s)", res.StopName, res.StopID)
	if favorite {
		title = "★ " + title
	}
	fmt.Fprintln(r.w, r.paint(ansiBold, title))
	if res.StopAddress != "" {
		fmt.Fprintln(r.w, res.StopAddress)
	}
	fmt.Fprintf(r.w, "Updated %s%s\n\n", res.Timestamp.Format("15:04:05"), sourceNote(res))

	groups := display.GroupArrivals(res.Arrivals)
	if len(groups) == 0 {
		fmt.Fprintln(r.w, "No buses expected at this stop right now.")
		return nil
	}
	shown := r.filter.Apply(groups)
	if len(shown) == 0 {
		fmt.Fprintf(r.w, "No buses match the filters. Lines at this stop: %s\n", strings.Join(display.Lines(groups), ", "))
		return nil
	}

	tw := tabwriter.NewWriter(r.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, r.row(ansiBold, "LINE", "DESTINATION", "NEXT", "THEN", "FREQUENCY"))
	for _, g := range shown {
		next := g.Next()
		fmt.Fprintln(tw, r.row(urgencyColors[display.UrgencyFor(next.ETASeconds)],
			g.Line,
			g.Destination,
			display.FormatETA(next.ETASeconds),
			following(g),
			display.FrequencyLabel(len(g.Arrivals)),
		))
	}
	return tw.Flush()
}

func (r *renderer) Favorites(favs []stops.Favorite) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.json {
		if favs == nil {
			favs = []stops.Favorite{}
		}
		r.reportJSON(favs)
		return
	}
	if len(favs) == 0 {
		fmt.Fprintln(r.w, "No favorite stops yet.")
		return
	}

	fmt.Fprintln(r.w, r.paint(ansiBold, "Favorites"))
	tw := tabwriter.NewWriter(r.w, 0, 0, 2, ' ', 0)
	for _, f := range favs {
		fmt.Fprintf(tw, "★ %s\t%s\t%s\n", f.ID, f.Name, f.Address)
	}
	tw.Flush()
}

func (r *renderer) History(history []stops.HistoryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.json {
		if history == nil {
			history = []stops.HistoryEntry{}
		}
		r.reportJSON(history)
		return
	}
	if len(history) == 0 {
		fmt.Fprintln(r.w, "No recent stops.")
		return
	}

	fmt.Fprintln(r.w, r.paint(ansiBold, "Recent stops"))
	tw := tabwriter.NewWriter(r.w, 0, 0, 2, ' ', 0)
	for _, e := range history {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.ID, e.Name, e.VisitedAt.Format("02/01 15:04"))
	}
	tw.Flush()
}

// Message prints a status line. In JSON mode it goes to stderr so stdout
// stays parseable.
func (r *renderer) Message(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.json {
		fmt.Fprintln(r.errW, msg)
		return
	}
	fmt.Fprintln(r.w, msg)
}

func (r *renderer) Error(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.errW, r.paint(urgencyColors[display.Critical], describe(err)))
}

// describe prefers the user-facing sentence and falls back to the raw error
func describe(err error) string {
	if models.Known(err) {
		return models.UserMessage(err)
	}
	return err.Error()
}

func sourceNote(res *models.Result) string {
	switch {
	case res.FromCache && res.Expired:
		return " · cached data, live sources unavailable"
	case res.FromCache:
		return " · cached"
	case res.FromScraping:
		return " · via EMT visor"
	default:
		return ""
	}
}

// following lists the buses after the next one
func following(g display.Group) string {
	rest := g.Arrivals[1:]
	if len(rest) == 0 {
		return "-"
	}

	parts := make([]string, 0, maxFollowing+1)
	for i, a := range rest {
		if i == maxFollowing {
			parts = append(parts, fmt.Sprintf("+%d", len(rest)-maxFollowing))
			break
		}
		parts = append(parts, display.FormatETA(a.ETASeconds))
	}
	return strings.Join(parts, ", ")
}

func (r *renderer) row(code string, cells ...string) string {
	return r.paint(code, strings.Join(cells, "\t"))
}

func (r *renderer) paint(code, s string) string {
	if !r.color || code == "" {
		return s
	}
	return code + s + ansiReset
}

func (r *renderer) writeJSON(v interface{}) error {
	enc := json.NewEncoder(r.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (r *renderer) reportJSON(v interface{}) {
	if err := r.writeJSON(v); err != nil {
		fmt.Fprintln(r.errW, err)
	}
}
