package intake

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liquidpay/backend/internal/payout"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	require.NoError(t, err)
	return v
}

const validLiquidation = `{
	"user_id": 42,
	"invoice_number": "INV-2026-0001",
	"gross_amount": "600.00",
	"currency": "USD",
	"requested_payout_method": "rtp",
	"metadata": {"destination": {"account": "000123456", "routing": "021000021", "bank_name": "First Test Bank"}}
}`

func TestValidate_Liquidation_Valid(t *testing.T) {
	v := newTestValidator(t)
	require.NoError(t, v.Validate(KindLiquidation, []byte(validLiquidation)))

	numeric := `{"user_id":1,"invoice_number":"A-1","gross_amount":25.5,"currency":"USD",
		"requested_payout_method":"fednow","metadata":{"destination":{"account":"9","routing":"021000021"}}}`
	require.NoError(t, v.Validate(KindLiquidation, []byte(numeric)))
}

func TestValidate_Liquidation_Invalid(t *testing.T) {
	v := newTestValidator(t)

	cases := []struct {
		name  string
		input string
		field string
	}{
		{
			name:  "not json",
			input: `{"user_id":`,
			field: "body",
		},
		{
			name:  "negative user id",
			input: `{"user_id":-1,"invoice_number":"A","gross_amount":"1","currency":"USD","requested_payout_method":"rtp","metadata":{"destination":{"account":"1","routing":"021000021"}}}`,
			field: "user_id",
		},
		{
			name:  "bad routing number",
			input: `{"user_id":1,"invoice_number":"A","gross_amount":"1","currency":"USD","requested_payout_method":"rtp","metadata":{"destination":{"account":"1","routing":"12"}}}`,
			field: "metadata.destination.routing",
		},
		{
			name:  "unknown field",
			input: `{"user_id":1,"invoice_number":"A","gross_amount":"1","currency":"USD","requested_payout_method":"rtp","metadata":{"destination":{"account":"1","routing":"021000021"}},"extra":true}`,
			field: "body",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(KindLiquidation, []byte(tc.input))
			var verr *payout.ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tc.field, verr.Field)
			assert.NotEmpty(t, verr.Reason)
		})
	}
}

func TestValidate_ClearMismatch(t *testing.T) {
	v := newTestValidator(t)
	require.NoError(t, v.Validate(KindClearMismatch, []byte(`{"note":"rail confirmed settlement"}`)))
	assert.Error(t, v.Validate(KindClearMismatch, []byte(`{}`)))
}

func TestValidate_UnknownKind(t *testing.T) {
	v := newTestValidator(t)
	assert.ErrorIs(t, v.Validate("nope", []byte(`{}`)), ErrUnknownKind)
}

func TestFieldName(t *testing.T) {
	assert.Equal(t, "body", fieldName(""))
	assert.Equal(t, "user_id", fieldName("/user_id"))
	assert.Equal(t, "metadata.destination.account", fieldName("/metadata/destination/account"))
}
