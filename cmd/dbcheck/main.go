// dbcheck is a small operator tool for poking at the pipeline database:
// stage-state breakdown, stuck recordings and transcripts without an
// uploaded artifact.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	pool, err := pgxpool.New(context.Background(), os.Getenv("DB_URL"))
	if err != nil {
		panic(err)
	}
	defer pool.Close()

	ctx := context.Background()

	if len(os.Args) > 1 && os.Args[1] == "stuck" {
		showStuck(ctx, pool)
		return
	}

	if len(os.Args) > 1 && os.Args[1] == "unuploaded" {
		showUnuploaded(ctx, pool)
		return
	}

	if len(os.Args) > 1 && os.Args[1] == "failed" {
		showFailed(ctx, pool)
		return
	}

	// Default: stage-state breakdown plus table counts
	fmt.Println("State           Count")
	fmt.Println("─────────────────────")
	rows, err := pool.Query(ctx, `
		SELECT stage_state, count(*) FROM pipeline_progress
		GROUP BY stage_state ORDER BY stage_state
	`)
	if err != nil {
		panic(err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var count int64
		rows.Scan(&state, &count)
		fmt.Printf("%-15s %d\n", state, count)
	}

	for _, t := range []string{"pipeline_progress", "transcripts"} {
		var count int64
		pool.QueryRow(ctx, "SELECT count(*) FROM "+t).Scan(&count)
		fmt.Printf("\n%-20s %d rows\n", t, count)
	}
}

// showStuck lists recordings sitting in a transient state for over an
// hour; they usually point at a run that died mid-flight.
func showStuck(ctx context.Context, pool *pgxpool.Pool) {
	rows, err := pool.Query(ctx, `
		SELECT recording_id, stage_state, job_id, updated_at
		FROM pipeline_progress
		WHERE stage_state IN ('downloaded', 'transcribing')
		  AND updated_at < now() - interval '1 hour'
		ORDER BY updated_at
	`)
	if err != nil {
		panic(err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var id, state string
		var jobID *string
		var updated time.Time
		rows.Scan(&id, &state, &jobID, &updated)
		job := "-"
		if jobID != nil {
			job = *jobID
		}
		fmt.Printf("%s  %-13s job=%s  last update %s\n", id, state, job, updated.Format(time.RFC3339))
		n++
	}
	fmt.Printf("\n%d stuck recordings\n", n)
}

func showUnuploaded(ctx context.Context, pool *pgxpool.Pool) {
	rows, err := pool.Query(ctx, `
		SELECT recording_id, completed_at FROM transcripts
		WHERE file_store_id IS NULL
		ORDER BY completed_at
	`)
	if err != nil {
		panic(err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var id string
		var completed *time.Time
		rows.Scan(&id, &completed)
		when := "-"
		if completed != nil {
			when = completed.Format(time.RFC3339)
		}
		fmt.Printf("%s  completed %s\n", id, when)
		n++
	}
	fmt.Printf("\n%d transcripts without an uploaded artifact\n", n)
}

func showFailed(ctx context.Context, pool *pgxpool.Pool) {
	rows, err := pool.Query(ctx, `
		SELECT recording_id, last_error, updated_at FROM pipeline_progress
		WHERE stage_state = 'failed'
		ORDER BY updated_at DESC
	`)
	if err != nil {
		panic(err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var id string
		var lastErr *string
		var updated time.Time
		rows.Scan(&id, &lastErr, &updated)
		reason := "-"
		if lastErr != nil {
			reason = *lastErr
		}
		fmt.Printf("%s  %s\n    %s\n", id, updated.Format(time.RFC3339), reason)
		n++
	}
	fmt.Printf("\n%d failed recordings (requeue with: callscribe -requeue <id>)\n", n)
}
