package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusOrder(t *testing.T) {
	next, ok := StatusSearching.Next()
	require.True(t, ok)
	assert.Equal(t, StatusAssigned, next)

	_, ok = StatusCompleted.Next()
	assert.False(t, ok)

	assert.True(t, StatusAssigned.Before(StatusStarted))
	assert.False(t, StatusStarted.Before(StatusArrived))
	assert.Equal(t, -1, TaskStatus("CANCELED").Rank())

	st, err := ParseStatus("arrived")
	require.NoError(t, err)
	assert.Equal(t, StatusArrived, st)
	_, err = ParseStatus("done")
	assert.Error(t, err)
}

func TestTaskDecodesLooseNumbers(t *testing.T) {
	raw := `{
		"id": "t1",
		"buyerId": "b1",
		"title": "Carry boxes",
		"urgency": "HIGH",
		"timeMinutes": "45",
		"budgetPaise": 25000,
		"lat": "12.97",
		"lng": 77.59,
		"status": "ASSIGNED",
		"arrivalSelfieLat": "oops",
		"arrivalSelfieLng": null,
		"completionSelfieLat": 12.5,
		"buyerRating": "4",
		"createdAt": "2026-01-01T00:00:00Z"
	}`
	var task Task
	require.NoError(t, json.Unmarshal([]byte(raw), &task))
	assert.Equal(t, 45, task.TimeMinutes)
	assert.EqualValues(t, 25000, task.BudgetPaise)
	assert.InDelta(t, 12.97, task.Lat, 1e-9)
	assert.InDelta(t, 77.59, task.Lng, 1e-9)
	assert.Equal(t, StatusAssigned, task.Status)
	assert.Nil(t, task.ArrivalSelfieLat)
	assert.Nil(t, task.ArrivalSelfieLng)
	require.NotNil(t, task.CompletionSelfieLat)
	assert.InDelta(t, 12.5, *task.CompletionSelfieLat, 1e-9)
	rating, ok := task.RatingBy(RoleBuyer)
	assert.True(t, ok)
	assert.Equal(t, 4, rating)
	_, ok = task.RatingBy(RoleHelper)
	assert.False(t, ok)
}

func TestParseLatLng(t *testing.T) {
	p, ok := ParseLatLng(" 12.9716, 77.5946 ")
	require.True(t, ok)
	assert.InDelta(t, 12.9716, p.Lat, 1e-9)

	for _, raw := range []string{"", "12.9", "91,0", "0,181", "a,b", "1,2,3"} {
		_, ok := ParseLatLng(raw)
		assert.False(t, ok, raw)
	}
}

func TestOTPStartCode(t *testing.T) {
	legacy := "1234"
	dev := "9999"
	assert.Equal(t, "1234", OTPStartResult{LegacyOTP: &legacy}.Code())
	assert.Equal(t, "9999", OTPStartResult{LegacyOTP: &legacy, DevOTP: &dev}.Code())
	assert.Equal(t, "", OTPStartResult{}.Code())
}
