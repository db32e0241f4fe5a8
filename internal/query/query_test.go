package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/vazy-sync/internal/model"
)

func TestNormalize(t *testing.T) {
	at := time.Date(2026, 6, 1, 10, 0, 0, 500, time.FixedZone("CEST", 2*3600))
	require.Equal(t, 1, Normalize(true))
	require.Equal(t, 0, Normalize(false))
	require.Equal(t, "2026-06-01T08:00:00Z", Normalize(at))
	require.Nil(t, Normalize((*time.Time)(nil)))
	require.Equal(t, int64(2500), Normalize(model.Cents(2500)))
	require.Equal(t, "ok", Normalize("ok"))
}

func TestValidate(t *testing.T) {
	require.NoError(t, Where("profile_id", "p").And("price", Gte, model.Cents(100)).OrderBy("position", false).Validate())
	require.Error(t, Where("data'); drop", 1).Validate())
	require.Error(t, Query{Limit: -1}.Validate())
}
