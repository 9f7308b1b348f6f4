package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureUserCanAutoRecharge(t *testing.T) {
	cases := []struct {
		name              string
		credits           int64
		threshold         int64
		billingCustomerID string
		wantErr           error
	}{
		{"below threshold with customer", 40, 100, "cus_123", nil},
		{"zero balance", 0, 100, "cus_123", nil},
		{"no billing customer", 40, 100, "", ErrNoBillingCustomer},
		{"at threshold", 100, 100, "cus_123", ErrBalanceAboveThreshold},
		{"above threshold", 250, 100, "cus_123", ErrBalanceAboveThreshold},
		// The customer check runs first: without a saved card the balance
		// comparison is irrelevant.
		{"no customer and below threshold", 0, 100, "", ErrNoBillingCustomer},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := EnsureUserCanAutoRecharge(tc.credits, tc.threshold, tc.billingCustomerID)
			if tc.wantErr == nil {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestEnsureProductCanRecharge(t *testing.T) {
	cases := []struct {
		name       string
		active     bool
		priceCents int64
		wantErr    error
	}{
		{"active paid product", true, 500, nil},
		{"inactive product", false, 500, ErrProductInactive},
		{"free product", true, 0, ErrProductNotChargeable},
		{"negative price", true, -100, ErrProductNotChargeable},
		{"inactive free product", false, 0, ErrProductInactive},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := EnsureProductCanRecharge(tc.active, tc.priceCents)
			if tc.wantErr == nil {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}
