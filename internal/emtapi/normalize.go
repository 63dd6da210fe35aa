package emtapi

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ssellini/EMT/pkg/emt/models"
)

const (
	codeSuccess = "00"
	// codeNoData is returned when the stop has no arrival data at all
	codeNoData = "90"
)

type arrivesResponse struct {
	Code        string        `json:"code"`
	Description string        `json:"description"`
	Data        []arrivesData `json:"data"`
}

type arrivesData struct {
	Arrive   []arrive   `json:"Arrive"`
	StopInfo []stopInfo `json:"StopInfo"`
}

type arrive struct {
	Line           string `json:"line"`
	Stop           string `json:"stop"`
	Destination    string `json:"destination"`
	EstimateArrive int    `json:"estimateArrive"`
	DistanceBus    int    `json:"DistanceBus"`
}

type stopInfo struct {
	StopID    string `json:"stopId"`
	StopName  string `json:"stopName"`
	Direction string `json:"Direction"`
}

// Normalize turns an arrivals API body into a snapshot. Estimates are already
// in seconds on this path.
func Normalize(body []byte, stopID string, now time.Time) (*models.ArrivalSnapshot, error) {
	var resp arrivesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decoding arrivals: %v", models.ErrInvalidData, err)
	}

	switch resp.Code {
	case codeSuccess:
	case codeNoData:
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, resp.Description)
	default:
		return nil, fmt.Errorf("%w: unexpected code %q: %s", models.ErrInvalidData, resp.Code, resp.Description)
	}

	if len(resp.Data) == 0 || resp.Data[0].Arrive == nil {
		return nil, fmt.Errorf("%w: response has no arrival data", models.ErrInvalidData)
	}
	data := resp.Data[0]

	snap := &models.ArrivalSnapshot{
		StopID:    stopID,
		StopName:  "Parada " + stopID,
		Arrivals:  make([]models.ArrivalRecord, 0, len(data.Arrive)),
		Timestamp: now,
		Source:    models.SourceAPI,
	}
	if len(data.StopInfo) > 0 {
		if name := strings.TrimSpace(data.StopInfo[0].StopName); name != "" {
			snap.StopName = name
		}
		snap.StopAddress = strings.TrimSpace(data.StopInfo[0].Direction)
	}

	for _, a := range data.Arrive {
		eta := a.EstimateArrive
		if eta < 0 {
			eta = 0
		}
		snap.Arrivals = append(snap.Arrivals, models.ArrivalRecord{
			Line:           strings.TrimSpace(a.Line),
			Destination:    strings.TrimSpace(a.Destination),
			ETASeconds:     eta,
			DistanceMeters: a.DistanceBus,
		})
	}

	return snap, nil
}
