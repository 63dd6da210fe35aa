// Package display turns arrival snapshots into what a person reads: grouped
// boards, wait labels and urgency bands.
package display

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ssellini/EMT/pkg/emt/models"
)

type Urgency string

const (
	Critical Urgency = "critical"
	Soon     Urgency = "soon"
	Normal   Urgency = "normal"
	Later    Urgency = "later"
)

const AtStopLabel = "En parada"

// Group is every arrival of one line towards one destination, soonest first
type Group struct {
	Line        string
	Destination string
	Arrivals    []models.ArrivalRecord
}

// Next returns the soonest arrival of the group
func (g Group) Next() models.ArrivalRecord {
	return g.Arrivals[0]
}

// GroupArrivals groups by (line, destination) in order of first appearance
func GroupArrivals(arrivals []models.ArrivalRecord) []Group {
	var groups []Group
	index := make(map[string]int)

	for _, a := range arrivals {
		key := a.Line + "\x00" + a.Destination
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, Group{Line: a.Line, Destination: a.Destination})
		}
		groups[i].Arrivals = append(groups[i].Arrivals, a)
	}

	for i := range groups {
		slices.SortStableFunc(groups[i].Arrivals, func(a, b models.ArrivalRecord) int {
			return a.ETASeconds - b.ETASeconds
		})
	}
	return groups
}

// Minutes is the whole number of minutes left
func Minutes(etaSeconds int) int {
	return etaSeconds / 60
}

func UrgencyFor(etaSeconds int) Urgency {
	switch m := Minutes(etaSeconds); {
	case m <= 2:
		return Critical
	case m <= 5:
		return Soon
	case m <= 10:
		return Normal
	default:
		return Later
	}
}

// FormatETA renders a wait as "En parada" under a minute, otherwise "N min"
func FormatETA(etaSeconds int) string {
	if etaSeconds < 60 {
		return AtStopLabel
	}
	return fmt.Sprintf("%d min", Minutes(etaSeconds))
}

// FrequencyLabel describes how many buses of a group are coming
func FrequencyLabel(n int) string {
	switch {
	case n >= 3:
		return "Frecuente"
	case n == 2:
		return "Moderado"
	default:
		return "Escaso"
	}
}

// Filter narrows a board. Zero values match everything.
type Filter struct {
	Lines       []string
	MaxWait     time.Duration
	Destination string
}

func (f Filter) Apply(groups []Group) []Group {
	dest := strings.ToLower(strings.TrimSpace(f.Destination))

	out := make([]Group, 0, len(groups))
	for _, g := range groups {
		if len(f.Lines) > 0 && !slices.Contains(f.Lines, g.Line) {
			continue
		}
		if f.MaxWait > 0 && Minutes(g.Next().ETASeconds) > int(f.MaxWait/time.Minute) {
			continue
		}
		if dest != "" && !strings.Contains(strings.ToLower(g.Destination), dest) {
			continue
		}
		out = append(out, g)
	}
	return out
}

// Lines returns the distinct lines of a board, numeric lines first in
// numeric order, then the rest alphabetically.
func Lines(groups []Group) []string {
	var lines []string
	for _, g := range groups {
		if !slices.Contains(lines, g.Line) {
			lines = append(lines, g.Line)
		}
	}

	slices.SortFunc(lines, func(a, b string) int {
		an, aErr := strconv.Atoi(a)
		bn, bErr := strconv.Atoi(b)
		switch {
		case aErr == nil && bErr == nil:
			return an - bn
		case aErr == nil:
			return -1
		case bErr == nil:
			return 1
		default:
			return strings.Compare(a, b)
		}
	})
	return lines
}
