package sparkplug

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemeValidate(t *testing.T) {
	s := Scheme{Method: MethodParris, Format: DefaultFormat}
	require.NoError(t, s.Validate())

	s = Scheme{Method: MethodSchultz, Format: DefaultFormat}
	require.NoError(t, s.Validate())

	s = Scheme{Method: "folded", Format: DefaultFormat}
	require.Error(t, s.Validate())

	s = Scheme{Method: MethodParris, Format: "spBv1.0/{plant}/{dataType}/{lineCode}/{metric}"}
	require.Error(t, s.Validate(), "missing area segment")

	s = Scheme{Method: MethodParris, Format: "spBv1.0/{plant}/{area}/{dataType}/{lineCode}/{metric}/{unknown}"}
	require.Error(t, s.Validate())
}

func TestTopicParris(t *testing.T) {
	s := Scheme{Method: MethodParris, Format: DefaultFormat}

	topic := s.Topic("berlin", "packaging", "line-7", MessageDDATA, "totalProductionQuantity")
	assert.Equal(t, "spBv1.0/berlin/packaging/DDATA/line-7/totalProductionQuantity", topic)

	parsed, err := s.Parse(topic)
	require.NoError(t, err)
	assert.Equal(t, Topic{
		Plant:    "berlin",
		Area:     "packaging",
		LineCode: "line-7",
		Metric:   "totalProductionQuantity",
		Type:     MessageDDATA,
	}, parsed)
}

func TestTopicSchultz(t *testing.T) {
	s := Scheme{Method: MethodSchultz, Format: DefaultFormat}

	topic := s.Topic("berlin", "packaging", "line-7", MessageDCMD, "Hold")
	assert.Equal(t, "spBv1.0/berlin_packaging/DCMD/line-7/Hold", topic)

	parsed, err := s.Parse(topic)
	require.NoError(t, err)
	assert.Equal(t, "berlin", parsed.Plant)
	assert.Equal(t, "packaging", parsed.Area)
	assert.Equal(t, MessageDCMD, parsed.Type)

	t.Run("area keeps extra underscores", func(t *testing.T) {
		parsed, err := s.Parse("spBv1.0/berlin_north_hall/DDATA/line-7/runtime")
		require.NoError(t, err)
		assert.Equal(t, "berlin", parsed.Plant)
		assert.Equal(t, "north_hall", parsed.Area)
	})

	t.Run("group without separator", func(t *testing.T) {
		_, err := s.Parse("spBv1.0/berlin/DDATA/line-7/runtime")
		require.ErrorIs(t, err, ErrBadTopic)
	})
}

func TestTopicParseRejects(t *testing.T) {
	s := Scheme{Method: MethodParris, Format: DefaultFormat}

	t.Run("unknown data type", func(t *testing.T) {
		_, err := s.Parse("spBv1.0/berlin/packaging/NBIRTH/line-7/bdSeq")
		require.ErrorIs(t, err, ErrBadTopic)
	})

	t.Run("segment count", func(t *testing.T) {
		_, err := s.Parse("spBv1.0/berlin/DDATA/line-7/runtime")
		require.ErrorIs(t, err, ErrBadTopic)
	})

	t.Run("namespace mismatch", func(t *testing.T) {
		_, err := s.Parse("spAv1.0/berlin/packaging/DDATA/line-7/runtime")
		require.ErrorIs(t, err, ErrBadTopic)
	})
}
