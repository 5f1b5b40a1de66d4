package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Family is a group of metrics fetched by one provider call.
type Family string

const (
	FamilyActivity  Family = "activity"
	FamilyHeartRate Family = "heart_rate"
	FamilySleep     Family = "sleep"
	FamilyBody      Family = "body"
)

// ErrUnknownFamily is returned by ParseFamily.
var ErrUnknownFamily = errors.New("unknown data type")

// AllFamilies returns every family in fetch order. Fetchers always run in
// this order within a date.
func AllFamilies() []Family {
	return []Family{FamilyActivity, FamilyHeartRate, FamilySleep, FamilyBody}
}

// ParseFamily converts user input to a Family. "heart-rate" and "heart" are
// accepted for heart_rate, "weight" for body.
func ParseFamily(raw string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "activity", "activities":
		return FamilyActivity, nil
	case "heart_rate", "heart-rate", "heart":
		return FamilyHeartRate, nil
	case "sleep":
		return FamilySleep, nil
	case "body", "weight":
		return FamilyBody, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFamily, raw)
	}
}

func (f Family) String() string { return string(f) }

// Order returns the position of f in fetch order, or -1.
func (f Family) Order() int {
	for i, candidate := range AllFamilies() {
		if candidate == f {
			return i
		}
	}
	return -1
}

// SortFamilies returns the distinct families of in, in fetch order.
func SortFamilies(in []Family) []Family {
	seen := make(map[Family]bool, len(in))
	for _, f := range in {
		seen[f] = true
	}
	out := make([]Family, 0, len(seen))
	for _, f := range AllFamilies() {
		if seen[f] {
			out = append(out, f)
		}
	}
	return out
}
