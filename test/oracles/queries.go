package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"payflow/ledger"
)

// Oracle is a query over ledger_entries that returns rows only when an
// invariant is broken.
type Oracle struct {
	Name string
	SQL  string
	Args []any
}

// All returns the oracles for a run that minted supply units of tok and
// holds escrowed funds at contract.
func All(tok, contract ledger.Address, supply int64) []Oracle {
	balancePrefix := fmt.Sprintf("token/%s/balance/", tok)
	return []Oracle{
		{
			Name: "O1_no_negative_balance",
			SQL: `SELECT key, convert_from(value, 'UTF8') FROM ledger_entries
                  WHERE (key LIKE 'token/%/balance/%' OR key ~ '^(milestone_)?agreement/[0-9]+/escrow_balance$')
                    AND convert_from(value, 'UTF8')::numeric < 0`,
		},
		{
			Name: "O2_supply_conserved",
			SQL: `SELECT total FROM (
                      SELECT COALESCE(SUM(convert_from(value, 'UTF8')::numeric), 0) AS total
                      FROM ledger_entries WHERE starts_with(key, $1)) s
                  WHERE total <> $2`,
			Args: []any{balancePrefix, supply},
		},
		{
			Name: "O3_contract_covers_escrow",
			SQL: `WITH escrowed AS (
                      SELECT COALESCE(SUM(convert_from(value, 'UTF8')::numeric), 0) AS total
                      FROM ledger_entries WHERE key ~ '^(milestone_)?agreement/[0-9]+/escrow_balance$'),
                  held AS (
                      SELECT COALESCE(SUM(convert_from(value, 'UTF8')::numeric), 0) AS total
                      FROM ledger_entries WHERE key = $1)
                  SELECT escrowed.total, held.total FROM escrowed, held
                  WHERE held.total < escrowed.total`,
			Args: []any{balancePrefix + string(contract)},
		},
		{
			Name: "O4_timeline_seq_dense",
			SQL: `WITH seqs AS (
                      SELECT substring(key from '^timeline/(.*)/seq$') AS stream,
                             convert_from(value, 'UTF8')::bigint AS last
                      FROM ledger_entries WHERE key LIKE 'timeline/%/seq'),
                  events AS (
                      SELECT substring(key from '^timeline/(.*)/[0-9]+$') AS stream, COUNT(*) AS n
                      FROM ledger_entries WHERE key ~ '^timeline/.*/[0-9]+$'
                      GROUP BY 1)
                  SELECT s.stream, s.last, COALESCE(e.n, 0) FROM seqs s
                  LEFT JOIN events e ON e.stream = s.stream
                  WHERE COALESCE(e.n, 0) <> s.last`,
		},
		{
			Name: "O5_dispute_status_known",
			SQL: `SELECT key FROM ledger_entries
                  WHERE key ~ '^agreement/[0-9]+/dispute$'
                    AND convert_from(value, 'UTF8')::jsonb->>'status' NOT IN ('raised', 'resolved')`,
		},
	}
}

// Run executes the oracles and returns the first failure (name and sample
// row text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool, oracles []Oracle) (string, string, error) {
	for _, o := range oracles {
		rows, err := pool.Query(ctx, o.SQL, o.Args...)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
