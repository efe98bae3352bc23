package catalog_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chronicle/chronicle/internal/catalog"
)

const doc = `
tables:
  accounts:
    columns: [id, owner, balance]
    primary_key: id
    audit: true
    insert:
      sql: "INSERT INTO accounts (id, owner, balance) VALUES ($1, $2, $3)"
      param_order: [id, owner, balance]
    update:
      sql: "UPDATE accounts SET owner = $1, balance = $2 WHERE id = $3"
      param_order: [owner, balance, id]
    delete:
      sql: "DELETE FROM accounts WHERE id = $1"
      param_order: [id]
`

func TestParseCatalog(t *testing.T) {
	cat, err := catalog.Parse([]byte(doc))
	require.NoError(t, err)

	spec, ok := cat.Table("accounts")
	require.True(t, ok)
	require.Equal(t, "id", spec.PrimaryKey)
	require.True(t, spec.Audit)

	stmt, ok := cat.StatementFor("accounts", catalog.OpInsert)
	require.True(t, ok)
	require.Equal(t, []string{"id", "owner", "balance"}, stmt.ParamOrder)

	_, ok = cat.StatementFor("accounts", catalog.OpUpsert)
	require.False(t, ok, "no upsert statement declared")

	col, ok := cat.PrimaryKeyColumn("accounts")
	require.True(t, ok)
	require.Equal(t, "id", col)

	_, ok = cat.PrimaryKeyColumn("nonexistent")
	require.False(t, ok)
}

func TestParseCatalogRejectsMissingPrimaryKey(t *testing.T) {
	_, err := catalog.Parse([]byte(`
tables:
  broken:
    columns: [id]
`))
	require.Error(t, err)
}

func TestTablesListsEveryDeclaredName(t *testing.T) {
	cat, err := catalog.Parse([]byte(doc))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"accounts"}, cat.Tables())
}
