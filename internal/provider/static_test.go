package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"KlineVault/internal/model"
)

func TestStatic_ServesRangeAndScriptedFailures(t *testing.T) {
	sym := model.MustParseSymbol("1.000001")
	netErr := &Error{Source: "fixture", Symbol: sym, Kind: ErrNetwork}

	s := NewStatic("fixture").
		Serve(sym,
			model.CanonicalBar{Date: model.Date(2024, 1, 3), Close: 2},
			model.CanonicalBar{Date: model.Date(2024, 1, 2), Close: 1},
			model.CanonicalBar{Date: model.Date(2024, 1, 4), Close: 3},
		).
		Fail(sym, netErr, nil)

	res, err := s.FetchDaily(context.Background(), sym, model.Date(2024, 1, 2), model.Date(2024, 1, 3))
	require.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, model.StatusFailed, res.Status)

	res, err = s.FetchDaily(context.Background(), sym, model.Date(2024, 1, 2), model.Date(2024, 1, 3))
	require.NoError(t, err)
	require.Len(t, res.Bars, 2)
	assert.Equal(t, 1.0, res.Bars[0].Close)
	assert.Equal(t, "fixture", res.Bars[0].Source)

	_, err = s.FetchDaily(context.Background(), model.MustParseSymbol("sz000002"), model.Date(2024, 1, 2), model.Date(2024, 1, 3))
	assert.ErrorIs(t, err, ErrSymbolNotFound)

	assert.Len(t, s.CallsFor(sym), 2)
	assert.Len(t, s.Calls(), 3)
}
