package config

import (
	"context"
	"strings"

	"github.com/hospitality/ledger_backend/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const orgColumn = "org_id"

// OrgScopePlugin scopes queries, updates and deletes on org-owned tables to the org carried in the
// statement context. Raw SQL is not rewritten; those queries name org_id themselves.
type OrgScopePlugin struct{}

func NewOrgScopePlugin() *OrgScopePlugin { return &OrgScopePlugin{} }

func (p *OrgScopePlugin) Name() string { return "org_scope" }

func (p *OrgScopePlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Query().Before("gorm:query").Register("org_scope:query", orgScopeCallback); err != nil {
		return err
	}
	if err := db.Callback().Row().Before("gorm:row").Register("org_scope:row", orgScopeCallback); err != nil {
		return err
	}
	if err := db.Callback().Update().Before("gorm:update").Register("org_scope:update", orgScopeCallback); err != nil {
		return err
	}
	return db.Callback().Delete().Before("gorm:delete").Register("org_scope:delete", orgScopeCallback)
}

func orgScopeCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil || db.Statement.Context == nil {
		return
	}
	ctx := db.Statement.Context
	if isAdminContext(ctx) {
		return
	}
	orgId, _ := appctx.GetString(ctx, appctx.ContextKeyOrgId)
	if orgId == "" || db.Statement.Schema == nil {
		return
	}
	if db.Statement.Schema.LookUpField(orgColumn) == nil {
		return
	}
	if whereMentionsOrg(db.Statement.Clauses["WHERE"]) {
		return
	}

	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: db.Statement.Table, Name: orgColumn},
				Value:  orgId,
			},
		},
	})
}

func isAdminContext(ctx context.Context) bool {
	v, ok := appctx.GetBool(ctx, appctx.ContextKeyIsAdmin)
	return ok && v
}

func whereMentionsOrg(c clause.Clause) bool {
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, e := range w.Exprs {
		if exprMentionsOrg(e) {
			return true
		}
	}
	return false
}

func exprMentionsOrg(e clause.Expression) bool {
	switch v := e.(type) {
	case clause.Eq:
		return isOrgColumn(v.Column)
	case clause.IN:
		return isOrgColumn(v.Column)
	case clause.AndConditions:
		for _, x := range v.Exprs {
			if exprMentionsOrg(x) {
				return true
			}
		}
	case clause.OrConditions:
		for _, x := range v.Exprs {
			if exprMentionsOrg(x) {
				return true
			}
		}
	case clause.Expr:
		return strings.Contains(strings.ToLower(v.SQL), orgColumn)
	case clause.NamedExpr:
		return strings.Contains(strings.ToLower(v.SQL), orgColumn)
	}
	return false
}

func isOrgColumn(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, orgColumn)
	case clause.Column:
		return strings.EqualFold(c.Name, orgColumn)
	}
	return false
}
