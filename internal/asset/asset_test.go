package asset

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestID_Validate(t *testing.T) {
	tests := []struct {
		name    string
		id      ID
		wantErr bool
	}{
		{"valid", "USDC-c76f1f", false},
		{"valid numeric ticker", "WEGLD-bd4d79", false},
		{"empty", "", true},
		{"native", Native, true},
		{"native lowercase", "egld", true},
		{"missing suffix", "USDC", true},
		{"uppercase suffix", "USDC-C76F1F", true},
		{"short ticker", "AB-c76f1f", true},
		{"long suffix", "USDC-c76f1f0", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.id.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				assert.True(t, Error.Has(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestID_Ticker(t *testing.T) {
	assert.Equal(t, "USDC", ID("USDC-c76f1f").Ticker())
	assert.Equal(t, "USDC", ID("USDC").Ticker())
}

func TestPayment_Validate(t *testing.T) {
	assert.NoError(t, NewPayment("USDC-c76f1f", 1).Validate())
	assert.Error(t, NewPayment("USDC-c76f1f", 0).Validate())
	assert.Error(t, NewPayment("USDC-c76f1f", -5).Validate())
	assert.Error(t, Payment{Asset: "USDC-c76f1f"}.Validate())
	assert.Error(t, NewPayment(Native, 10).Validate())
}

func TestParseAmount(t *testing.T) {
	v, err := ParseAmount("1000000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000000", v.String())

	_, err = ParseAmount("-1")
	assert.Error(t, err)

	_, err = ParseAmount("1.5")
	assert.Error(t, err)
}

func TestMinOutAtRate(t *testing.T) {
	out, err := MinOutAtRate(big.NewInt(100), decimal.RequireFromString("0.505"))
	require.NoError(t, err)
	assert.Equal(t, int64(50), out.Int64())

	_, err = MinOutAtRate(big.NewInt(1), decimal.RequireFromString("0.5"))
	assert.Error(t, err, "rounds down to zero")

	_, err = MinOutAtRate(big.NewInt(100), decimal.Zero)
	assert.Error(t, err)

	_, err = MinOutAtRate(big.NewInt(0), decimal.NewFromInt(2))
	assert.Error(t, err)
}

func TestUnitsConversion(t *testing.T) {
	units := ToUnits(big.NewInt(1500000), 6)
	assert.True(t, units.Equal(decimal.RequireFromString("1.5")))
	assert.Equal(t, int64(1500000), FromUnits(units, 6).Int64())
	assert.Equal(t, int64(1), FromUnits(decimal.RequireFromString("0.0000019"), 6).Int64())
	assert.Equal(t, int64(2), FromUnitsCeil(decimal.RequireFromString("0.0000011"), 6).Int64())
	assert.Equal(t, int64(1500000), FromUnitsCeil(units, 6).Int64())
}

func TestCopy(t *testing.T) {
	v := big.NewInt(7)
	c := Copy(v)
	c.Add(c, big.NewInt(1))
	assert.Equal(t, int64(7), v.Int64())
	assert.Equal(t, int64(0), Copy(nil).Int64())
}
