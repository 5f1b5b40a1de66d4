package withings

import (
	"context"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	dailymetrics "github.com/felixgeelhaar/vitalsync/internal/dailymetrics/domain"
	"github.com/felixgeelhaar/vitalsync/internal/providers/application"
	providers "github.com/felixgeelhaar/vitalsync/internal/providers/domain"
	"github.com/felixgeelhaar/vitalsync/internal/providers/infrastructure/httpapi"
)

// Measure type codes of the getmeas endpoint.
const (
	measureWeight     = 1
	measureFatRatio   = 6
	measureHeartPulse = 11
)

// Fetcher reads one family for one date.
type Fetcher struct {
	client  *httpapi.Client
	baseURL string
	family  providers.Family
	fetch   func(ctx context.Context, f *Fetcher, date time.Time, token string) (dailymetrics.Metrics, error)
}

// NewFetchers returns one fetcher per supported family, in fetch order.
func NewFetchers(client *httpapi.Client, baseURL string) []application.Fetcher {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return []application.Fetcher{
		&Fetcher{client: client, baseURL: baseURL, family: providers.FamilyActivity, fetch: fetchActivity},
		&Fetcher{client: client, baseURL: baseURL, family: providers.FamilyHeartRate, fetch: fetchHeartRate},
		&Fetcher{client: client, baseURL: baseURL, family: providers.FamilySleep, fetch: fetchSleep},
		&Fetcher{client: client, baseURL: baseURL, family: providers.FamilyBody, fetch: fetchBody},
	}
}

func (f *Fetcher) Provider() providers.Provider { return providers.ProviderWithings }
func (f *Fetcher) Family() providers.Family     { return f.family }

// Fetch reads the family for date. Withings does not report quota headers,
// so the returned Quota is always unknown.
func (f *Fetcher) Fetch(ctx context.Context, date time.Time, accessToken string) (application.Result, error) {
	metrics, err := f.fetch(ctx, f, dailymetrics.Day(date), accessToken)
	if err != nil {
		return application.Result{}, err
	}
	return application.Result{Metrics: metrics}, nil
}

func (f *Fetcher) get(ctx context.Context, path string, query url.Values, token string, v any) error {
	resp, err := f.client.Get(ctx, f.baseURL+path+"?"+query.Encode(), token)
	if err != nil {
		return err
	}
	return decodeEnvelope(resp.Body, v)
}

type measureGroup struct {
	Date     int64 `json:"date"`
	Category int   `json:"category"`
	Measures []struct {
		Value int64 `json:"value"`
		Type  int   `json:"type"`
		Unit  int   `json:"unit"`
	} `json:"measures"`
}

type measureBody struct {
	MeasureGroups []measureGroup `json:"measuregrps"`
}

// getMeasures queries the single-day window [00:00, 24:00) in UTC.
func (f *Fetcher) getMeasures(ctx context.Context, date time.Time, token string, types ...int) ([]measureGroup, error) {
	codes := make([]string, len(types))
	for i, t := range types {
		codes[i] = strconv.Itoa(t)
	}
	q := url.Values{}
	q.Set("action", "getmeas")
	q.Set("meastypes", strings.Join(codes, ","))
	q.Set("category", "1")
	q.Set("startdate", strconv.FormatInt(date.Unix(), 10))
	q.Set("enddate", strconv.FormatInt(date.AddDate(0, 0, 1).Unix()-1, 10))

	var body measureBody
	if err := f.get(ctx, "/measure", q, token, &body); err != nil {
		return nil, err
	}
	return body.MeasureGroups, nil
}

// scaled converts a Withings measure to its real value: value * 10^unit.
func scaled(value int64, unit int) float64 {
	return float64(value) * math.Pow10(unit)
}

// fetchBody keeps the most recent weight and fat ratio of the day.
func fetchBody(ctx context.Context, f *Fetcher, date time.Time, token string) (dailymetrics.Metrics, error) {
	groups, err := f.getMeasures(ctx, date, token, measureWeight, measureFatRatio)
	if err != nil {
		return dailymetrics.Metrics{}, err
	}

	var m dailymetrics.Metrics
	var weightAt, fatAt int64 = -1, -1
	for _, g := range groups {
		for _, meas := range g.Measures {
			switch meas.Type {
			case measureWeight:
				if g.Date > weightAt {
					weightAt = g.Date
					m.Weight = dailymetrics.Float(round(scaled(meas.Value, meas.Unit), 2))
				}
			case measureFatRatio:
				if g.Date > fatAt {
					fatAt = g.Date
					m.BodyFat = dailymetrics.Float(round(scaled(meas.Value, meas.Unit), 2))
				}
			}
		}
	}
	return m, nil
}

// fetchHeartRate uses the lowest spot heart pulse of the day as the resting
// rate.
func fetchHeartRate(ctx context.Context, f *Fetcher, date time.Time, token string) (dailymetrics.Metrics, error) {
	groups, err := f.getMeasures(ctx, date, token, measureHeartPulse)
	if err != nil {
		return dailymetrics.Metrics{}, err
	}

	lowest := 0
	for _, g := range groups {
		for _, meas := range g.Measures {
			if meas.Type != measureHeartPulse {
				continue
			}
			bpm := int(math.Round(scaled(meas.Value, meas.Unit)))
			if bpm > 0 && (lowest == 0 || bpm < lowest) {
				lowest = bpm
			}
		}
	}
	if lowest == 0 {
		return dailymetrics.Metrics{}, nil
	}
	return dailymetrics.Metrics{RestingHeartRate: dailymetrics.Int(lowest)}, nil
}

type activityBody struct {
	Activities []struct {
		Date          string   `json:"date"`
		Steps         *int     `json:"steps"`
		Distance      *float64 `json:"distance"`
		Calories      *float64 `json:"calories"`
		TotalCalories *float64 `json:"totalcalories"`
		Moderate      *int     `json:"moderate"`
		Intense       *int     `json:"intense"`
	} `json:"activities"`
}

func fetchActivity(ctx context.Context, f *Fetcher, date time.Time, token string) (dailymetrics.Metrics, error) {
	day := date.Format(dailymetrics.DateLayout)
	q := url.Values{}
	q.Set("action", "getactivity")
	q.Set("startdateymd", day)
	q.Set("enddateymd", day)
	q.Set("data_fields", "steps,distance,calories,totalcalories,moderate,intense")

	var body activityBody
	if err := f.get(ctx, "/v2/measure", q, token, &body); err != nil {
		return dailymetrics.Metrics{}, err
	}

	var m dailymetrics.Metrics
	for _, a := range body.Activities {
		if a.Date != day {
			continue
		}
		if a.Steps != nil {
			m.Steps = dailymetrics.Int(*a.Steps)
		}
		if a.Distance != nil {
			m.DistanceKm = dailymetrics.Float(round(*a.Distance/1000, 2))
		}
		switch {
		case a.TotalCalories != nil:
			m.CaloriesBurned = dailymetrics.Int(int(math.Round(*a.TotalCalories)))
		case a.Calories != nil:
			m.CaloriesBurned = dailymetrics.Int(int(math.Round(*a.Calories)))
		}
		if a.Moderate != nil || a.Intense != nil {
			seconds := 0
			if a.Moderate != nil {
				seconds += *a.Moderate
			}
			if a.Intense != nil {
				seconds += *a.Intense
			}
			m.ActiveMinutes = dailymetrics.Int(seconds / 60)
		}
	}
	return m, nil
}

type sleepBody struct {
	Series []struct {
		Date string `json:"date"`
		Data struct {
			TotalSleepTime *int `json:"total_sleep_time"`
			LightSleep     *int `json:"lightsleepduration"`
			DeepSleep      *int `json:"deepsleepduration"`
			RemSleep       *int `json:"remsleepduration"`
		} `json:"data"`
	} `json:"series"`
}

func fetchSleep(ctx context.Context, f *Fetcher, date time.Time, token string) (dailymetrics.Metrics, error) {
	day := date.Format(dailymetrics.DateLayout)
	q := url.Values{}
	q.Set("action", "getsummary")
	q.Set("startdateymd", day)
	q.Set("enddateymd", day)
	q.Set("data_fields", "total_sleep_time,lightsleepduration,deepsleepduration,remsleepduration")

	var body sleepBody
	if err := f.get(ctx, "/v2/sleep", q, token, &body); err != nil {
		return dailymetrics.Metrics{}, err
	}

	seconds := 0
	for _, s := range body.Series {
		if s.Date != day {
			continue
		}
		if s.Data.TotalSleepTime != nil {
			seconds += *s.Data.TotalSleepTime
			continue
		}
		for _, part := range []*int{s.Data.LightSleep, s.Data.DeepSleep, s.Data.RemSleep} {
			if part != nil {
				seconds += *part
			}
		}
	}
	if seconds == 0 {
		return dailymetrics.Metrics{}, nil
	}
	return dailymetrics.Metrics{SleepHours: dailymetrics.Float(round(float64(seconds)/3600, 2))}, nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
