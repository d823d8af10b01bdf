package model

// RuleType はルールプロバイダが管理する設定値の種類です
type RuleType string

const (
	RuleCartMaxProperties RuleType = "cart_max_properties"
	RuleVisitWindowDays   RuleType = "visit_window_days"
	RuleBookingWindowDays RuleType = "booking_window_days"
	RuleAdderRate         RuleType = "adder_rate"
	RuleSellerRate        RuleType = "seller_rate"
)

// Rule はルールプロバイダの検索結果です
type Rule struct {
	ID         int64             `json:"id" db:"id"`
	Type       RuleType          `json:"rule_type" db:"rule_type"`
	Conditions map[string]string `json:"conditions" db:"-"`
	Value      float64           `json:"value" db:"value"`
	Priority   int               `json:"priority" db:"priority"`
	IsActive   bool              `json:"is_active" db:"is_active"`
}

// Matches はルールの条件がすべて conds に含まれているかを判定します
// 条件を持たないルールは常に一致します
func (r Rule) Matches(conds map[string]string) bool {
	for k, v := range r.Conditions {
		if conds[k] != v {
			return false
		}
	}
	return true
}
