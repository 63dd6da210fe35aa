package visor

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ssellini/EMT/pkg/emt/models"
	"golang.org/x/net/html"
)

const (
	// AtStopSeconds is the estimate used for buses shown as already at the stop
	AtStopSeconds = 15
	// UnknownETASeconds is used when the time cell holds no usable value
	UnknownETASeconds = 5940

	stopNamePrefix = "Parada:"
)

var firstNumber = regexp.MustCompile(`\d+`)

// Parse extracts an arrival snapshot from a visor page. Rows with fewer than
// three cells are skipped; an unreadable time cell degrades to
// UnknownETASeconds instead of failing the page.
func Parse(body []byte, stopID string, now time.Time) (*models.ArrivalSnapshot, error) {
	if bytes.Contains(bytes.ToLower(body), notFoundMarker) {
		return nil, fmt.Errorf("%w: visor reports stop %s does not exist", models.ErrNotFound, stopID)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing visor page: %v", models.ErrInvalidData, err)
	}

	table := doc.Find("table").First()
	if table.Length() == 0 {
		return nil, fmt.Errorf("%w: visor page has no arrivals table", models.ErrInvalidData)
	}

	snap := &models.ArrivalSnapshot{
		StopID:    stopID,
		StopName:  "Parada " + stopID,
		Arrivals:  []models.ArrivalRecord{},
		Timestamp: now,
		Source:    models.SourceVisor,
	}

	if header := doc.Find("b").First(); header.Length() > 0 {
		if name := cleanText(strings.Replace(header.Text(), stopNamePrefix, "", 1)); name != "" {
			snap.StopName = name
		}
		snap.StopAddress = addressAfter(header)
	}

	table.Find("tr").Each(func(i int, row *goquery.Selection) {
		if i == 0 {
			return
		}
		cells := row.Find("td")
		if cells.Length() < 3 {
			return
		}
		snap.Arrivals = append(snap.Arrivals, models.ArrivalRecord{
			Line:        cleanText(cells.Eq(0).Text()),
			Destination: cleanText(cells.Eq(1).Text()),
			ETASeconds:  ParseETA(cells.Eq(2).Text()),
		})
	})

	return snap, nil
}

// ParseETA converts a visor time cell to seconds
func ParseETA(raw string) int {
	s := strings.ToLower(strings.TrimSpace(raw))
	if strings.Contains(s, "parada") || strings.Contains(s, ">>") {
		return AtStopSeconds
	}

	match := firstNumber.FindString(s)
	if match == "" {
		return UnknownETASeconds
	}
	minutes, err := strconv.Atoi(match)
	if err != nil {
		return UnknownETASeconds
	}
	return minutes * 60
}

// addressAfter returns the text node directly following the stop name, if any
func addressAfter(header *goquery.Selection) string {
	next := header.Nodes[0].NextSibling
	if next == nil || next.Type != html.TextNode {
		return ""
	}
	return cleanText(next.Data)
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
