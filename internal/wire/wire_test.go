package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	b, err := Encode(TypeWitsConfigResponse, ConfigResponse{OK: true})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"wits_config_response","data":{"ok":true}}`, string(b))

	env, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, TypeWitsConfigResponse, env.Type)

	_, err = Decode([]byte("not json"))
	require.ErrorContains(t, err, "decode envelope")
}

func TestDecode_UnknownTypeIsReturned(t *testing.T) {
	t.Parallel()

	env, err := Decode([]byte(`{"type":"future_thing","data":{"x":1}}`))
	require.NoError(t, err)
	require.False(t, env.Type.Known())
	require.Equal(t, Type("future_thing"), env.Type)
}

func TestType_Known(t *testing.T) {
	t.Parallel()

	for _, typ := range []Type{
		TypeWitsStatus, TypeWellInfo, TypeMappingTable,
		TypeDrillingParams, TypeDrillingParamDelta,
		TypeSurveys, TypeSurveyDelta,
		TypeCurveData, TypeCurveDataDelta,
		TypeGammaData, TypeGammaDataDelta,
		TypeRawTelemetry,
		TypeWitsConfig, TypeWitsConfigResponse, TypeMappingUpdate, TypeUIAction,
	} {
		require.True(t, typ.Known(), "type %s", typ)
	}
	require.False(t, Type("").Known())
	require.False(t, Type("directional_update").Known())
}
