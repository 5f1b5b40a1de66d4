package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoalesce_NeverClearsKnownValues(t *testing.T) {
	base := Metrics{Steps: Int(8000), Weight: Float(71.5), SleepHours: Float(7.25)}
	update := Metrics{Steps: Int(9100), RestingHeartRate: Int(58)}

	got := Coalesce(base, update)

	assert.Equal(t, 9100, *got.Steps)
	assert.Equal(t, 58, *got.RestingHeartRate)
	assert.Equal(t, 71.5, *got.Weight)
	assert.Equal(t, 7.25, *got.SleepHours)
	assert.Nil(t, got.BodyFat)
}

func TestCoalesce_EmptyUpdateIsIdentity(t *testing.T) {
	base := Metrics{Steps: Int(1), BodyFat: Float(18.2)}
	assert.Equal(t, base, Coalesce(base, Metrics{}))
}

func TestCoalesce_ZeroIsAKnownValue(t *testing.T) {
	got := Coalesce(Metrics{Steps: Int(500)}, Metrics{Steps: Int(0)})
	require.NotNil(t, got.Steps)
	assert.Equal(t, 0, *got.Steps)
}

func TestMetrics_HasAndIsEmpty(t *testing.T) {
	m := Metrics{}
	assert.True(t, m.IsEmpty())
	for _, f := range Fields() {
		assert.False(t, m.Has(f), f)
	}

	m.SleepHours = Float(6)
	assert.False(t, m.IsEmpty())
	assert.True(t, m.Has(FieldSleepHours))
	assert.False(t, m.Has(Field("bogus")))
}

func TestField_Column(t *testing.T) {
	col, err := FieldWeight.Column()
	require.NoError(t, err)
	assert.Equal(t, "weight", col)

	_, err = Field("weight; DROP TABLE daily_metrics").Column()
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestDay(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	got := Day(time.Date(2024, 2, 29, 23, 30, 0, 0, loc))
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), got)

	parsed, err := ParseDay("2024-02-29")
	require.NoError(t, err)
	assert.Equal(t, got, parsed)

	_, err = ParseDay("29/02/2024")
	assert.Error(t, err)
}
