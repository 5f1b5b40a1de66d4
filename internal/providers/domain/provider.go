// Package domain names the external health data providers and the data
// families that can be imported from them.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Provider identifies an external health API.
type Provider string

const (
	ProviderFitbit   Provider = "fitbit"
	ProviderWithings Provider = "withings"
)

// ErrUnknownProvider is returned by ParseProvider.
var ErrUnknownProvider = errors.New("unknown provider")

// AllProviders returns the supported providers in display order.
func AllProviders() []Provider {
	return []Provider{ProviderFitbit, ProviderWithings}
}

// ParseProvider converts user input to a Provider.
func ParseProvider(raw string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, raw)
	}
	return p, nil
}

func (p Provider) String() string { return string(p) }

// Valid reports whether p is a supported provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderFitbit, ProviderWithings:
		return true
	default:
		return false
	}
}

// MaxImportSpanDays is the widest date range a single import may cover.
// Withings only serves roughly 90 days of history through its summary
// endpoints; Fitbit allows a year.
func (p Provider) MaxImportSpanDays() int {
	switch p {
	case ProviderWithings:
		return 90
	default:
		return 365
	}
}
