package guard

import "errors"

var (
	ErrBalanceAboveThreshold = errors.New("balance_above_threshold")
	ErrNoBillingCustomer     = errors.New("no_billing_customer")
	ErrProductInactive       = errors.New("product_inactive")
	ErrProductNotChargeable  = errors.New("product_not_chargeable")
)

func EnsureUserCanAutoRecharge(credits int64, threshold int64, billingCustomerID string) error {
	if billingCustomerID == "" {
		return ErrNoBillingCustomer
	}
	if credits >= threshold {
		return ErrBalanceAboveThreshold
	}
	return nil
}

// Resolution tolerates inactive products because that charge already
// happened. Initiating a new charge does not.
func EnsureProductCanRecharge(active bool, priceCents int64) error {
	if !active {
		return ErrProductInactive
	}
	if priceCents <= 0 {
		return ErrProductNotChargeable
	}
	return nil
}
