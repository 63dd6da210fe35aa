package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ssellini/EMT/internal/common/discord"
	"github.com/ssellini/EMT/internal/common/logger"
	"github.com/ssellini/EMT/internal/display"
	"github.com/ssellini/EMT/pkg/emt/models"
)

const (
	DefaultThreshold = 2 * time.Minute
	// sent keys are kept this long so repeated snapshots are not re-announced
	sentRetention = time.Hour
)

// Sender delivers one alert embed
type Sender interface {
	Enabled() bool
	SendEmbed(ctx context.Context, embed discord.Embed) error
}

type sentKey struct {
	stopID      string
	line        string
	destination string
	snapshot    time.Time
}

// Notifier announces buses that are about to reach the stop
type Notifier struct {
	sender    Sender
	threshold time.Duration
	clock     backoff.Clock
	logger    logger.Logger

	mu   sync.Mutex
	sent map[sentKey]time.Time
}

func NewNotifier(sender Sender, threshold time.Duration, clock backoff.Clock, log logger.Logger) *Notifier {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if clock == nil {
		clock = backoff.SystemClock
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Notifier{
		sender:    sender,
		threshold: threshold,
		clock:     clock,
		logger:    log,
		sent:      make(map[sentKey]time.Time),
	}
}

// Notify sends one alert per (line, destination) whose next bus is within the
// threshold. A pair is announced at most once per snapshot. It returns how
// many alerts were sent.
func (n *Notifier) Notify(ctx context.Context, snap models.ArrivalSnapshot) (int, error) {
	if n.sender == nil || !n.sender.Enabled() {
		return 0, nil
	}

	sent := 0
	for _, g := range display.GroupArrivals(snap.Arrivals) {
		next := g.Next()
		if next.ETA() > n.threshold {
			continue
		}

		key := sentKey{stopID: snap.StopID, line: g.Line, destination: g.Destination, snapshot: snap.Timestamp}
		if !n.markSent(key) {
			continue
		}

		if err := n.sender.SendEmbed(ctx, arrivalEmbed(snap, g, n.clock.Now())); err != nil {
			n.unmark(key)
			return sent, fmt.Errorf("sending alert for line %s: %w", g.Line, err)
		}
		sent++
		n.logger.Info("Arrival alert sent",
			"stop_id", snap.StopID,
			"line", g.Line,
			"destination", g.Destination,
			"eta_seconds", next.ETASeconds)
	}
	return sent, nil
}

// SweepExpired forgets alerts sent more than an hour ago
func (n *Notifier) SweepExpired() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	cutoff := n.clock.Now().Add(-sentRetention)
	removed := 0
	for k, at := range n.sent {
		if at.Before(cutoff) {
			delete(n.sent, k)
			removed++
		}
	}
	return removed
}

func (n *Notifier) markSent(key sentKey) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.sent[key]; ok {
		return false
	}
	n.sent[key] = n.clock.Now()
	return true
}

func (n *Notifier) unmark(key sentKey) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.sent, key)
}

func arrivalEmbed(snap models.ArrivalSnapshot, g display.Group, now time.Time) discord.Embed {
	next := g.Next()
	color := discord.ColorSoon
	if display.UrgencyFor(next.ETASeconds) == display.Critical {
		color = discord.ColorCritical
	}

	embed := discord.Embed{
		Title:       fmt.Sprintf("🚌 Bus %s arriving", g.Line),
		Description: fmt.Sprintf("Direction: %s\nArrives in: %s", g.Destination, display.FormatETA(next.ETASeconds)),
		Color:       color,
		Timestamp:   now,
		Fields: []discord.Field{
			{Name: "Stop", Value: fmt.Sprintf("%s (%s)", snap.StopName, snap.StopID), Inline: true},
		},
	}
	if next.DistanceMeters > 0 {
		embed.Fields = append(embed.Fields, discord.Field{
			Name:   "Distance",
			Value:  fmt.Sprintf("%d m", next.DistanceMeters),
			Inline: true,
		})
	}
	return embed
}
