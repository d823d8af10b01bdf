package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/uma-arai/sbcntr-estate/internal/common/tracing"
	"github.com/uma-arai/sbcntr-estate/internal/model"
)

// RuleRepositoryImpl はrulesテーブルを参照するルールプロバイダです
type RuleRepositoryImpl struct {
	db *DB
}

func NewRuleRepository(db *DB) *RuleRepositoryImpl {
	return &RuleRepositoryImpl{db: db}
}

type ruleRow struct {
	model.Rule
	ConditionsRaw []byte `db:"conditions"`
}

// GetRule は条件に合致する有効なルールのうち優先度が最も高いものを返します
// 該当するルールがない場合は nil を返します
// トランザクション中はセーブポイント内で参照し、失敗しても呼び出し元のトランザクションを中断させません
func (r *RuleRepositoryImpl) GetRule(ctx context.Context, ruleType model.RuleType, conds map[string]string) (rule *model.Rule, err error) {
	ctx, span := tracing.Begin(ctx, "RuleRepository.GetRule")
	defer func() { span.Close(err) }()

	if conds == nil {
		conds = map[string]string{}
	}
	condJSON, err := json.Marshal(conds)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rule conditions: %w", err)
	}

	query := `
		SELECT id, rule_type, conditions, value, priority, is_active
		FROM rules
		WHERE rule_type = $1
		AND is_active = TRUE
		AND conditions <@ $2::jsonb
		ORDER BY priority DESC, id DESC
		LIMIT 1`

	var row ruleRow
	err = r.db.savepoint(ctx, "rule_lookup", func() error {
		return r.db.get(ctx, &row, query, ruleType, string(condJSON))
	})
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get rule %s: %w", ruleType, err)
	}
	if len(row.ConditionsRaw) > 0 {
		if err = json.Unmarshal(row.ConditionsRaw, &row.Rule.Conditions); err != nil {
			return nil, fmt.Errorf("failed to decode rule conditions: %w", err)
		}
	}
	return &row.Rule, nil
}
