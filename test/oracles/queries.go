// Package oracles holds SQL checks that must return no rows however the
// engine's operations interleave.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_tier_bounds",
			SQL:  `SELECT id, current_tier FROM dispute_cases WHERE current_tier NOT BETWEEN 1 AND 3`,
		},
		{
			Name: "O2_live_seats_within_panel",
			SQL: `SELECT a.case_id, a.tier, COUNT(*) FROM case_assignments a
                  JOIN dispute_cases c ON c.id = a.case_id
                  WHERE a.status IN ('ASSIGNED','ACCEPTED')
                  GROUP BY a.case_id, a.tier, c.required_arbitrators
                  HAVING COUNT(*) > c.required_arbitrators`,
		},
		{
			Name: "O3_live_seats_on_current_tier_only",
			SQL: `SELECT a.id, a.tier, c.current_tier, c.status FROM case_assignments a
                  JOIN dispute_cases c ON c.id = a.case_id
                  WHERE a.status IN ('ASSIGNED','ACCEPTED')
                    AND (a.tier <> c.current_tier OR c.status IN ('RESOLVED','APPEALED','CLOSED','EXPIRED'))`,
		},
		{
			Name: "O4_caseload_matches_live_seats",
			SQL: `SELECT ar.id, ar.current_caseload, COUNT(a.id) AS live FROM arbitrators ar
                  LEFT JOIN case_assignments a ON a.arbitrator_id = ar.id AND a.status IN ('ASSIGNED','ACCEPTED')
                  GROUP BY ar.id, ar.current_caseload
                  HAVING ar.current_caseload <> COUNT(a.id)`,
		},
		{
			Name: "O5_timeline_contiguous",
			SQL: `WITH seqs AS (
                      SELECT case_id, seq, prev_hash,
                             LAG(seq) OVER (PARTITION BY case_id ORDER BY seq) AS prev_seq,
                             LAG(hash) OVER (PARTITION BY case_id ORDER BY seq) AS prev_hash_actual
                      FROM case_timeline)
                  SELECT case_id, seq FROM seqs
                  WHERE (prev_seq IS NULL AND (seq <> 1 OR prev_hash <> ''))
                     OR (prev_seq IS NOT NULL AND (seq <> prev_seq + 1 OR prev_hash <> prev_hash_actual))`,
		},
		{
			Name: "O6_resolution_complete",
			SQL: `SELECT id, status FROM dispute_cases
                  WHERE status IN ('RESOLVED','EXPIRED')
                    AND (resolved_at IS NULL OR resolution_ruling IS NULL OR resolution_path IS NULL)`,
		},
		{
			Name: "O7_votes_in_past_rounds",
			SQL: `SELECT v.id, v.round, c.voting_round FROM case_votes v
                  JOIN dispute_cases c ON c.id = v.case_id
                  WHERE v.round > c.voting_round`,
		},
		{
			Name: "O8_appeal_limit",
			SQL: `SELECT case_id, COUNT(*) FROM case_appeals
                  GROUP BY case_id HAVING COUNT(*) > $1`,
		},
		{
			Name: "O9_outbox_drained",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes every oracle and returns the first failure (name and a sample
// row) or an empty name when all pass. maxAppeals feeds O8.
func Run(ctx context.Context, pool *pgxpool.Pool, maxAppeals int) (string, string, error) {
	for _, o := range All() {
		var args []any
		if o.Name == "O8_appeal_limit" {
			args = append(args, maxAppeals)
		}
		rows, err := pool.Query(ctx, o.SQL, args...)
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
