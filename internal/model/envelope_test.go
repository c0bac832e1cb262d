package model

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEnvelope(t *testing.T) {
	sample := RadarSample{
		ObservedAt:    time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		SpeedMPH:      31.5,
		Magnitude:     1800,
		Direction:     DirectionApproaching,
		AlertLevel:    AlertNormal,
		CorrelationID: "0195a9a0-0000-7000-8000-000000000001",
	}

	raw, err := Encode(SchemaRadarSample, sample)
	require.NoError(t, err)

	env, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, SchemaRadarSample, env.Schema)
	assert.Equal(t, 1, env.V)

	var got RadarSample
	require.NoError(t, DecodeData(env, &got))
	if diff := cmp.Diff(sample, got); diff != "" {
		t.Errorf("radar sample mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeEnvelopeRejectsMalformed(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`not json`))
	assert.Error(t, err)

	_, err = DecodeEnvelope([]byte(`{"v":1,"data":{}}`))
	assert.Error(t, err, "missing schema tag must be rejected")
}

func TestDecodeDataIgnoresUnknownFields(t *testing.T) {
	env, err := DecodeEnvelope([]byte(
		`{"schema":"radar.sample.v1","v":1,"data":{"speed_mph":20,"direction":"approaching","future_field":true}}`))
	require.NoError(t, err)

	var got RadarSample
	require.NoError(t, DecodeData(env, &got))
	assert.Equal(t, 20.0, got.SpeedMPH)
	assert.Equal(t, DirectionApproaching, got.Direction)
}

func TestKnownSchemasCoverAllConstants(t *testing.T) {
	for _, schema := range []string{
		SchemaRadarSample, SchemaCameraDetection, SchemaWeatherSnapshot,
		SchemaConsolidatedEvent, SchemaDatabaseFlush, SchemaHello,
	} {
		assert.True(t, KnownSchemas[schema], "schema %s not registered", schema)
	}
	assert.False(t, KnownSchemas["radar.sample.v2"])
}

func TestEventIDsAreTimeSortable(t *testing.T) {
	first, err := NewEventID()
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := NewEventID()
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Less(t, first, second, "later event ids must sort after earlier ones")
}
