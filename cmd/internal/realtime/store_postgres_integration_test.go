package realtime

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	v1 "huddle/contracts/realtime/v1"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when HUDDLE_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_Append_Dedupe_NoSeqWaste(t *testing.T) {
	t.Parallel()

	store, pool, schema := mustNewMigratedStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	channel := "it-dedupe-" + testSuffix(t)
	now := time.Now().UTC()

	in := AppendMessageInput{
		Channel:       channel,
		ClientMsgID:   "cmsg-1",
		ClientID:      "alice",
		SenderSession: "session-a",
		Name:          "alice",
		Text:          "hello",
		Now:           now,
	}

	first, err := store.AppendMessage(ctx, in)
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.Duplicated || first.Stored.Seq != 1 {
		t.Fatalf("append first: Duplicated=%v seq=%d want=false/1", first.Duplicated, first.Stored.Seq)
	}

	in.Now = now.Add(time.Second)
	second, err := store.AppendMessage(ctx, in)
	if err != nil {
		t.Fatalf("append duplicate: %v", err)
	}
	if !second.Duplicated {
		t.Fatalf("append duplicate: expected Duplicated=true")
	}
	if second.Stored.Seq != first.Stored.Seq || second.Stored.ServerMsgID != first.Stored.ServerMsgID {
		t.Fatalf("append duplicate: got=%+v want=%+v", second.Stored, first.Stored)
	}

	if cnt := mustCountRows(t, pool, schema, "messages", channel); cnt != 1 {
		t.Fatalf("expected 1 message row, got %d", cnt)
	}

	latest, err := store.LatestSeq(ctx, channel)
	if err != nil || latest != 1 {
		t.Fatalf("LatestSeq=%d,%v want=1,nil", latest, err)
	}
}

func TestPostgresStore_HistoryWindow(t *testing.T) {
	t.Parallel()

	store, _, _ := mustNewMigratedStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	channel := "it-history-" + testSuffix(t)
	for i := 1; i <= 4; i++ {
		if _, err := store.AppendMessage(ctx, AppendMessageInput{
			Channel:       channel,
			ClientMsgID:   fmt.Sprintf("cmsg-%d", i),
			ClientID:      "alice",
			SenderSession: "session-a",
			Text:          fmt.Sprintf("m%d", i),
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	cases := []struct {
		name    string
		in      FetchHistoryInput
		want    []int64
		hasMore bool
	}{
		{name: "backwards", in: FetchHistoryInput{Channel: channel, Limit: 2}, want: []int64{4, 3}, hasMore: true},
		{name: "forwards after", in: FetchHistoryInput{Channel: channel, AfterSeq: i64(2), Direction: Forwards}, want: []int64{3, 4}},
		{name: "until", in: FetchHistoryInput{Channel: channel, UntilSeq: i64(2)}, want: []int64{2, 1}},
		{name: "until zero", in: FetchHistoryInput{Channel: channel, UntilSeq: i64(0)}, want: []int64{}},
	}

	for _, tc := range cases {
		out, err := store.FetchHistory(ctx, tc.in)
		if err != nil {
			t.Fatalf("%s: fetch: %v", tc.name, err)
		}
		if got := seqs(out.Messages); !equalSeqs(got, tc.want) {
			t.Fatalf("%s: seqs=%v want=%v", tc.name, got, tc.want)
		}
		if out.HasMore != tc.hasMore {
			t.Fatalf("%s: HasMore=%v want=%v", tc.name, out.HasMore, tc.hasMore)
		}
	}
}

func TestPostgresStore_PresenceLog(t *testing.T) {
	t.Parallel()

	store, _, _ := mustNewMigratedStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	channel := "it-presence-" + testSuffix(t)

	// A message first: presence seq must not share the message counter.
	if _, err := store.AppendMessage(ctx, AppendMessageInput{
		Channel: channel, ClientMsgID: "c1", ClientID: "alice", SenderSession: "s1", Text: "hi",
	}); err != nil {
		t.Fatalf("append message: %v", err)
	}

	for i, a := range []string{v1.PresenceEnter, v1.PresenceUpdate, v1.PresenceLeave} {
		ev, err := store.AppendPresence(ctx, AppendPresenceInput{
			Channel:   channel,
			Action:    a,
			ClientID:  "alice",
			SessionID: "s1",
			Data:      v1.PresenceData{IsTyping: a == v1.PresenceUpdate},
		})
		if err != nil {
			t.Fatalf("append presence %s: %v", a, err)
		}
		if ev.Seq != int64(i+1) {
			t.Fatalf("presence seq=%d want=%d", ev.Seq, i+1)
		}
	}

	latest, err := store.LatestPresenceSeq(ctx, channel)
	if err != nil || latest != 3 {
		t.Fatalf("LatestPresenceSeq=%d,%v want=3,nil", latest, err)
	}

	out, err := store.FetchPresenceHistory(ctx, FetchHistoryInput{Channel: channel, Direction: Forwards})
	if err != nil {
		t.Fatalf("fetch presence: %v", err)
	}
	if len(out.Events) != 3 || out.Events[1].Action != v1.PresenceUpdate || !out.Events[1].Data.IsTyping {
		t.Fatalf("events=%+v", out.Events)
	}
}

func TestPostgresStore_ConcurrentAppend_StrictSeq_NoGaps(t *testing.T) {
	t.Parallel()

	store, _, _ := mustNewMigratedStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	channel := "it-concurrency-" + testSuffix(t)

	const n = 32

	var wg sync.WaitGroup
	wg.Add(n)
	errCh := make(chan error, n)

	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()

			_, err := store.AppendMessage(ctx, AppendMessageInput{
				Channel:       channel,
				ClientMsgID:   fmt.Sprintf("cmsg-%d", i),
				ClientID:      "alice",
				SenderSession: "session-a",
				Text:          fmt.Sprintf("m%d", i),
			})
			if err != nil {
				errCh <- err
			}
		}()
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatalf("concurrent append error: %v", err)
	}

	out, err := store.FetchHistory(ctx, FetchHistoryInput{Channel: channel, Direction: Forwards, Limit: 200})
	if err != nil {
		t.Fatalf("fetch history: %v", err)
	}
	if len(out.Messages) != n || out.HasMore {
		t.Fatalf("got %d messages HasMore=%v want=%d/false", len(out.Messages), out.HasMore, n)
	}

	got := seqs(out.Messages)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i, s := range got {
		if s != int64(i+1) {
			t.Fatalf("seq[%d]=%d want=%d (gap)", i, s, i+1)
		}
	}
}

// ---- test helpers ----

func testSuffix(t *testing.T) string {
	t.Helper()
	id, err := NewEnvelopeID(time.Now())
	if err != nil {
		t.Fatalf("id: %v", err)
	}
	return strings.ToLower(id)
}

func mustNewMigratedStore(t *testing.T) (*PostgresStore, *pgxpool.Pool, string) {
	t.Helper()

	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	schema := "huddle_it_" + testSuffix(t)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// Migrate is idempotent.
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate twice: %v", err)
	}
	return st, pool, schema
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("HUDDLE_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: HUDDLE_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse HUDDLE_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	return pool
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustCountRows(t *testing.T, pool *pgxpool.Pool, schema, table, channel string) int {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var cnt int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+pgIdent(schema, table)+` WHERE channel = $1`,
		channel,
	).Scan(&cnt); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return cnt
}
