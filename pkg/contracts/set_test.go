package contracts

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func violation(t *testing.T, err error) *ViolationError {
	t.Helper()
	var ve *ViolationError
	require.True(t, errors.As(err, &ve), "expected ViolationError, got %v", err)
	return ve
}

func TestEnforcePayment_Clauses(t *testing.T) {
	tests := []struct {
		name       string
		contract   Contract
		amount     int64
		asset      string
		reversible bool
		reason     string
	}{
		{"under ceiling", Contract{Name: "c", MaxSpend: SpendCeiling(500)}, 500, "IUSD", true, ""},
		{"over ceiling", Contract{Name: "c", MaxSpend: SpendCeiling(500)}, 1000, "IUSD", true, "amount 1000 exceeds max_spend 500"},
		{"no ceiling", Contract{Name: "c"}, 1 << 40, "IUSD", true, ""},
		{"asset allowed", Contract{Name: "c", AllowedAssets: []string{"IUSD", "EUR"}}, 1, "EUR", true, ""},
		{"asset denied", Contract{Name: "c", AllowedAssets: []string{"IUSD"}}, 1, "BTC", true, `asset "BTC" not in allowed_assets`},
		{"empty assets unrestricted", Contract{Name: "c", AllowedAssets: []string{}}, 1, "ANY", true, ""},
		{"irreversible rejected", Contract{Name: "c", RequireReversible: true}, 1, "IUSD", false, "irreversible payment violates require_reversible"},
		{"reversible ok", Contract{Name: "c", RequireReversible: true}, 1, "IUSD", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSet(tt.contract)
			require.NoError(t, err)
			err = s.EnforcePayment(tt.amount, tt.asset, tt.reversible)
			if tt.reason == "" {
				assert.NoError(t, err)
				return
			}
			ve := violation(t, err)
			assert.Equal(t, "c", ve.Contract)
			assert.Equal(t, tt.reason, ve.Reason)
		})
	}
}

func TestEnforcePayment_FirstRejectingContractWins(t *testing.T) {
	s, err := NewSet(
		Contract{Name: "assets", AllowedAssets: []string{"IUSD"}},
		Contract{Name: "small", MaxSpend: SpendCeiling(10)},
		Contract{Name: "tiny", MaxSpend: SpendCeiling(1)},
	)
	require.NoError(t, err)

	ve := violation(t, s.EnforcePayment(100, "IUSD", true))
	assert.Equal(t, "small", ve.Contract)

	ve = violation(t, s.EnforcePayment(100, "EUR", true))
	assert.Equal(t, "assets", ve.Contract)
}

func TestEnforce_EmptySetAccepts(t *testing.T) {
	s := &Set{}
	assert.NoError(t, s.EnforcePayment(1<<50, "X", false))
	assert.NoError(t, s.EnforceOutcome("anything"))
}

func TestEnforceOutcome(t *testing.T) {
	s, err := NewSet(Contract{Name: "arb", AllowedOutcomes: []string{"release", "refund"}})
	require.NoError(t, err)
	assert.NoError(t, s.EnforceOutcome("release"))

	ve := violation(t, s.EnforceOutcome("partial"))
	assert.Equal(t, `outcome "partial" not in allowed_outcomes`, ve.Reason)
	assert.Equal(t, `contract "arb" violated: outcome "partial" not in allowed_outcomes`, ve.Error())
}

func TestSet_Mutations(t *testing.T) {
	s := &Set{}
	require.NoError(t, s.Add(Contract{Name: "a"}))
	require.NoError(t, s.Add(Contract{Name: "b", MaxSpend: SpendCeiling(5)}))
	assert.ErrorIs(t, s.Add(Contract{Name: "a"}), ErrDuplicateName)
	assert.ErrorIs(t, s.Add(Contract{}), ErrEmptyName)
	assert.ErrorIs(t, s.Add(Contract{Name: "neg", MaxSpend: SpendCeiling(-1)}), ErrNegativeSpend)

	assert.True(t, s.Remove("a"))
	assert.False(t, s.Remove("a"))
	require.Equal(t, 1, s.Len())
	assert.Equal(t, "b", s.List()[0].Name)

	err := s.Replace([]Contract{{Name: "x"}, {Name: "x"}})
	assert.ErrorIs(t, err, ErrDuplicateName)
	assert.Equal(t, "b", s.List()[0].Name, "failed replace leaves set unchanged")

	require.NoError(t, s.Replace([]Contract{{Name: "x"}, {Name: "y"}}))
	assert.Equal(t, 2, s.Len())
}

func TestSet_ListReturnsCopies(t *testing.T) {
	s, err := NewSet(Contract{Name: "c", MaxSpend: SpendCeiling(5), AllowedAssets: []string{"IUSD"}})
	require.NoError(t, err)

	list := s.List()
	*list[0].MaxSpend = 1
	list[0].AllowedAssets[0] = "EUR"

	assert.NoError(t, s.EnforcePayment(5, "IUSD", true))
}
