package bustime_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/bustime"
	"tidbyt.dev/bustime/feed"
	"tidbyt.dev/bustime/model"
	"tidbyt.dev/bustime/testutil"
)

func setupM1(f *testutil.FakeFeed) {
	f.SetRoute("MTA NYCT_M1", testutil.FakeRoute{
		Stops: []testutil.FakeStop{
			{ID: "MTA_1", Name: "5 Ave/E 8 St"},
			{ID: "MTA_2", Name: "5 Ave/E 14 St"},
			{ID: "MTA_3", Name: "5 Ave/E 23 St"},
			{ID: "MTA_4", Name: "Madison Av/E 23 St"},
			{ID: "MTA_5", Name: "Madison Av/E 14 St"},
		},
		Directions: []testutil.FakeDirection{
			{ID: "0", Name: "Downtown", StopIDs: []string{"MTA_3", "MTA_2", "MTA_1"}},
			{ID: "1", Name: "Uptown", StopIDs: []string{"MTA_5", "MTA_4"}},
		},
	})
}

func TestResolveDirection(t *testing.T) {
	f := testutil.NewFakeFeed(t)
	setupM1(f)
	r := bustime.NewSequenceResolver(newClient(f))

	// Direction 0 is listed end to start
	seq, err := r.ResolveDirection(context.Background(), "MTA NYCT_M1", "5 AVE / E 14 ST.")
	require.NoError(t, err)
	assert.Equal(t, model.StopSequence{
		RouteID:     "MTA NYCT_M1",
		DirectionID: "0",
		StopNames:   []string{"5 Ave/E 8 St", "5 Ave/E 14 St", "5 Ave/E 23 St"},
		Found:       true,
	}, seq)

	// Direction 1 is kept as is
	seq, err = r.ResolveDirection(context.Background(), "MTA NYCT_M1", "Madison Av/E 23 St")
	require.NoError(t, err)
	assert.Equal(t, model.StopSequence{
		RouteID:     "MTA NYCT_M1",
		DirectionID: "1",
		StopNames:   []string{"Madison Av/E 14 St", "Madison Av/E 23 St"},
		Found:       true,
	}, seq)

	// No direction serves the stop
	seq, err = r.ResolveDirection(context.Background(), "MTA NYCT_M1", "Lexington Av/E 23 St")
	require.NoError(t, err)
	assert.False(t, seq.Found)
	assert.Equal(t, []string{}, seq.StopNames)

	assert.Equal(t, 3, f.RouteCalls("MTA NYCT_M1"))
}

func TestResolveDirectionFailures(t *testing.T) {
	f := testutil.NewFakeFeed(t)
	setupM1(f)

	// Unknown route is an upstream failure
	r := bustime.NewSequenceResolver(newClient(f))
	seq, err := r.ResolveDirection(context.Background(), "MTA NYCT_M999", "5 Ave/E 14 St")
	require.Error(t, err)
	upstreamErr := &bustime.UpstreamError{}
	assert.True(t, errors.As(err, &upstreamErr))
	assert.False(t, seq.Found)
	assert.Equal(t, []string{}, seq.StopNames)

	// Missing key is a configuration failure, and nothing is
	// requested
	c := newClient(f)
	c.APIKey = ""
	r = bustime.NewSequenceResolver(c)
	_, err = r.ResolveDirection(context.Background(), "MTA NYCT_M1", "5 Ave/E 14 St")
	require.Error(t, err)
	configErr := &bustime.ConfigError{}
	assert.True(t, errors.As(err, &configErr))
	assert.True(t, errors.Is(err, feed.ErrMissingAPIKey))
	assert.Equal(t, 0, f.RouteCalls("MTA NYCT_M1"))
}

func TestResolveSequence(t *testing.T) {
	rs := &model.RouteStops{
		RouteID: "MTA NYCT_B63",
		Stops: []model.RouteStop{
			{ID: "a", Name: "5 Av/Union St"},
			{ID: "b", Name: "5 Av/Carroll St"},
			{ID: "c", Name: ""},
		},
		Directions: []model.Direction{
			{ID: "1", StopIDs: []string{"a", "c", "unknown", "b"}},
		},
	}

	seq := bustime.ResolveSequence(rs, "5 AV/CARROLL ST")
	assert.True(t, seq.Found)
	assert.Equal(t, "1", seq.DirectionID)

	// Stops without names are left out
	assert.Equal(t, []string{"5 Av/Union St", "5 Av/Carroll St"}, seq.StopNames)

	seq = bustime.ResolveSequence(rs, "")
	assert.False(t, seq.Found)
	assert.Equal(t, []string{}, seq.StopNames)
}

func TestResolveSequenceWithPosition(t *testing.T) {
	f := testutil.NewFakeFeed(t)
	setupM1(f)
	r := bustime.NewSequenceResolver(newClient(f))

	seq, err := r.ResolveDirection(context.Background(), "MTA NYCT_M1", "5 Ave/E 23 St")
	require.NoError(t, err)
	require.True(t, seq.Found)

	assert.Equal(t, model.BusPosition{BusIndex: 1}, bustime.EstimatePosition(seq.StopNames, "5 Ave/E 23 St", 1))
	assert.Equal(t, bustime.DirectionUp, bustime.TravelDirection(seq.StopNames, "5 Ave/E 23 St"))
}
