// Package fitbit reads daily activity, heart rate, sleep and body metrics
// from the Fitbit Web API.
package fitbit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	dailymetrics "github.com/felixgeelhaar/vitalsync/internal/dailymetrics/domain"
	"github.com/felixgeelhaar/vitalsync/internal/providers/application"
	providers "github.com/felixgeelhaar/vitalsync/internal/providers/domain"
	"github.com/felixgeelhaar/vitalsync/internal/providers/infrastructure/httpapi"
)

// DefaultBaseURL is the Fitbit Web API root.
const DefaultBaseURL = "https://api.fitbit.com"

// Fitbit reports its hourly per-user quota on every response.
const (
	headerRateLimitRemaining = "Fitbit-Rate-Limit-Remaining"
	headerRateLimitReset     = "Fitbit-Rate-Limit-Reset"
)

type parseFunc func(body []byte) (dailymetrics.Metrics, error)

// Fetcher reads one family for one date.
type Fetcher struct {
	client  *httpapi.Client
	baseURL string
	family  providers.Family
	path    func(date string) string
	parse   parseFunc
}

// NewFetchers returns one fetcher per supported family, in fetch order.
func NewFetchers(client *httpapi.Client, baseURL string) []application.Fetcher {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return []application.Fetcher{
		&Fetcher{client: client, baseURL: baseURL, family: providers.FamilyActivity,
			path: func(d string) string { return "/1/user/-/activities/date/" + d + ".json" }, parse: parseActivity},
		&Fetcher{client: client, baseURL: baseURL, family: providers.FamilyHeartRate,
			path: func(d string) string { return "/1/user/-/activities/heart/date/" + d + "/1d.json" }, parse: parseHeartRate},
		&Fetcher{client: client, baseURL: baseURL, family: providers.FamilySleep,
			path: func(d string) string { return "/1.2/user/-/sleep/date/" + d + ".json" }, parse: parseSleep},
		&Fetcher{client: client, baseURL: baseURL, family: providers.FamilyBody,
			path: func(d string) string { return "/1/user/-/body/log/weight/date/" + d + ".json" }, parse: parseBody},
	}
}

func (f *Fetcher) Provider() providers.Provider { return providers.ProviderFitbit }
func (f *Fetcher) Family() providers.Family     { return f.family }

// Fetch reads the family for date.
func (f *Fetcher) Fetch(ctx context.Context, date time.Time, accessToken string) (application.Result, error) {
	url := f.baseURL + f.path(date.Format(dailymetrics.DateLayout))

	resp, err := f.client.Get(ctx, url, accessToken)
	if err != nil {
		return application.Result{}, err
	}

	result := application.Result{Quota: quotaFromHeader(resp.Header)}
	if len(strings.TrimSpace(string(resp.Body))) == 0 {
		return result, nil
	}
	metrics, err := f.parse(resp.Body)
	if err != nil {
		return application.Result{}, fmt.Errorf("decode fitbit %s response: %w", f.family, err)
	}
	result.Metrics = metrics
	return result, nil
}

func quotaFromHeader(h http.Header) application.Quota {
	remaining, err := strconv.Atoi(h.Get(headerRateLimitRemaining))
	if err != nil {
		return application.Quota{}
	}
	q := application.Quota{Known: true, Remaining: remaining}
	if reset, err := strconv.Atoi(h.Get(headerRateLimitReset)); err == nil {
		q.ResetIn = time.Duration(reset) * time.Second
	}
	return q
}

type activityResponse struct {
	Summary *struct {
		Steps               int `json:"steps"`
		CaloriesOut         int `json:"caloriesOut"`
		FairlyActiveMinutes int `json:"fairlyActiveMinutes"`
		VeryActiveMinutes   int `json:"veryActiveMinutes"`
		Distances           []struct {
			Activity string  `json:"activity"`
			Distance float64 `json:"distance"`
		} `json:"distances"`
	} `json:"summary"`
}

// parseActivity treats a summary without any movement as no data. Fitbit
// returns a zeroed summary, with BMR calories, for days the tracker never
// synced.
func parseActivity(body []byte) (dailymetrics.Metrics, error) {
	var resp activityResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return dailymetrics.Metrics{}, err
	}
	s := resp.Summary
	if s == nil {
		return dailymetrics.Metrics{}, nil
	}

	var distance float64
	for _, d := range s.Distances {
		if d.Activity == "total" {
			distance = d.Distance
		}
	}
	active := s.FairlyActiveMinutes + s.VeryActiveMinutes
	if s.Steps == 0 && distance == 0 && active == 0 {
		return dailymetrics.Metrics{}, nil
	}

	return dailymetrics.Metrics{
		Steps:          dailymetrics.Int(s.Steps),
		CaloriesBurned: dailymetrics.Int(s.CaloriesOut),
		DistanceKm:     dailymetrics.Float(round(distance, 2)),
		ActiveMinutes:  dailymetrics.Int(active),
	}, nil
}

type heartRateResponse struct {
	ActivitiesHeart []struct {
		DateTime string `json:"dateTime"`
		Value    struct {
			RestingHeartRate *int `json:"restingHeartRate"`
		} `json:"value"`
	} `json:"activities-heart"`
}

func parseHeartRate(body []byte) (dailymetrics.Metrics, error) {
	var resp heartRateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return dailymetrics.Metrics{}, err
	}
	for _, day := range resp.ActivitiesHeart {
		if day.Value.RestingHeartRate != nil && *day.Value.RestingHeartRate > 0 {
			return dailymetrics.Metrics{RestingHeartRate: dailymetrics.Int(*day.Value.RestingHeartRate)}, nil
		}
	}
	return dailymetrics.Metrics{}, nil
}

type sleepResponse struct {
	Summary *struct {
		TotalMinutesAsleep int `json:"totalMinutesAsleep"`
		TotalSleepRecords  int `json:"totalSleepRecords"`
	} `json:"summary"`
}

func parseSleep(body []byte) (dailymetrics.Metrics, error) {
	var resp sleepResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return dailymetrics.Metrics{}, err
	}
	if resp.Summary == nil || resp.Summary.TotalSleepRecords == 0 || resp.Summary.TotalMinutesAsleep == 0 {
		return dailymetrics.Metrics{}, nil
	}
	return dailymetrics.Metrics{
		SleepHours: dailymetrics.Float(round(float64(resp.Summary.TotalMinutesAsleep)/60, 2)),
	}, nil
}

type weightResponse struct {
	Weight []struct {
		Weight float64  `json:"weight"`
		Fat    *float64 `json:"fat"`
		Time   string   `json:"time"`
	} `json:"weight"`
}

// parseBody keeps the last log of the day. Entries arrive in time order.
func parseBody(body []byte) (dailymetrics.Metrics, error) {
	var resp weightResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return dailymetrics.Metrics{}, err
	}
	if len(resp.Weight) == 0 {
		return dailymetrics.Metrics{}, nil
	}
	last := resp.Weight[len(resp.Weight)-1]
	m := dailymetrics.Metrics{Weight: dailymetrics.Float(round(last.Weight, 2))}
	if last.Fat != nil {
		m.BodyFat = dailymetrics.Float(round(*last.Fat, 2))
	}
	return m, nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
