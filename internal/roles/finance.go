package roles

// FinancialField names a redactable column of a financial record.
type FinancialField string

const (
	FieldClientPrice     FinancialField = "client_price"
	FieldFulfillerPayout FinancialField = "fulfiller_payout"
	FieldPlatformFee     FinancialField = "platform_fee"
	FieldProfitMargin    FinancialField = "profit_margin"
)

// visibleFinancialFields gates money columns per role. Administrators see
// everything; fulfillers never see margins or client pricing; clients see
// only their own price.
var visibleFinancialFields = map[Role][]FinancialField{
	Admin:     {FieldClientPrice, FieldFulfillerPayout, FieldPlatformFee, FieldProfitMargin},
	Delegate:  {FieldClientPrice, FieldFulfillerPayout, FieldPlatformFee, FieldProfitMargin},
	Senior:    {FieldClientPrice, FieldFulfillerPayout},
	Fulfiller: {FieldFulfillerPayout},
	Client:    {FieldClientPrice},
}

// VisibleFinancialFields returns the money columns role r may read.
func VisibleFinancialFields(r Role) []FinancialField {
	return visibleFinancialFields[r]
}

// CanSeeFinancialField reports whether role r may read field f.
func CanSeeFinancialField(r Role, f FinancialField) bool {
	for _, v := range visibleFinancialFields[r] {
		if v == f {
			return true
		}
	}
	return false
}
