package rule

import (
	"context"
	"time"

	"github.com/uma-arai/sbcntr-estate/internal/common/config"
	"github.com/uma-arai/sbcntr-estate/internal/common/logger"
	"github.com/uma-arai/sbcntr-estate/internal/model"
)

const day = 24 * time.Hour

// Provider は外部のルール設定を参照するインターフェースです
type Provider interface {
	GetRule(ctx context.Context, ruleType model.RuleType, conds map[string]string) (*model.Rule, error)
}

// Resolver はルールプロバイダの値に既定値を重ねて返します
// ルールの取得に失敗しても予約処理を止めないよう、エラーはログに残して既定値を使います
type Resolver struct {
	provider Provider
	defaults config.RuleDefaults
	log      *logger.Logger
}

func NewResolver(provider Provider, defaults config.RuleDefaults, log *logger.Logger) *Resolver {
	return &Resolver{provider: provider, defaults: defaults, log: log}
}

func (r *Resolver) value(ctx context.Context, ruleType model.RuleType, conds map[string]string, fallback float64) float64 {
	if r.provider == nil {
		return fallback
	}
	rule, err := r.provider.GetRule(ctx, ruleType, conds)
	if err != nil {
		r.log.Warn("rule lookup failed, using default", "rule_type", ruleType, "default", fallback, "error", err)
		return fallback
	}
	if rule == nil || !rule.IsActive {
		return fallback
	}
	return rule.Value
}

// MaxProperties はカートに入れられる有効な予約の上限です
func (r *Resolver) MaxProperties(ctx context.Context) int {
	v := int(r.value(ctx, model.RuleCartMaxProperties, nil, float64(r.defaults.MaxProperties)))
	if v <= 0 {
		return r.defaults.MaxProperties
	}
	return v
}

// VisitWindow は予約から内見確定までの期間です
func (r *Resolver) VisitWindow(ctx context.Context, p model.Property) time.Duration {
	return r.days(ctx, model.RuleVisitWindowDays, p, r.defaults.VisitWindowDays)
}

// BookingWindow は内見確定から成約までの期間です
func (r *Resolver) BookingWindow(ctx context.Context, p model.Property) time.Duration {
	return r.days(ctx, model.RuleBookingWindowDays, p, r.defaults.BookingWindowDays)
}

func (r *Resolver) days(ctx context.Context, ruleType model.RuleType, p model.Property, fallback int) time.Duration {
	v := r.value(ctx, ruleType, p.RuleConditions(), float64(fallback))
	if v <= 0 {
		v = float64(fallback)
	}
	return time.Duration(v * float64(day))
}

// AdderRate は登録者手数料率(%)です。物件ごとの上書きが優先されます
func (r *Resolver) AdderRate(ctx context.Context, p model.Property) float64 {
	if p.AdderCommissionRate != nil {
		return *p.AdderCommissionRate
	}
	return r.value(ctx, model.RuleAdderRate, p.RuleConditions(), r.defaults.AdderRate)
}

// SellerRate は成約者手数料率(%)です。物件ごとの上書きが優先されます
func (r *Resolver) SellerRate(ctx context.Context, p model.Property) float64 {
	if p.SellerCommissionRate != nil {
		return *p.SellerCommissionRate
	}
	return r.value(ctx, model.RuleSellerRate, p.RuleConditions(), r.defaults.SellerRate)
}
