package billing

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vnmchuo/ensemble-gateway/internal/provider"
)

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *time.Time:
			*p = r.values[i].(time.Time)
		case *float64:
			*p = r.values[i].(float64)
		}
	}
	return nil
}

type fakeDB struct {
	row      fakeRow
	execErr  error
	lastSQL  string
	lastArgs []any
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.lastSQL, f.lastArgs = sql, args
	return f.row
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.lastSQL, f.lastArgs = sql, args
	return pgconn.NewCommandTag("CREATE TABLE"), f.execErr
}

func TestNewUsageLog(t *testing.T) {
	usage := provider.UsageStats{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7, CostUSD: 0.000011}

	l := NewUsageLog("tenant-1", "req-1", ModeEnsemble, "huggingface", "mistral", usage, 1500*time.Millisecond)

	if l.PromptTokens != 3 || l.CompletionTokens != 4 || l.CostUSD != 0.000011 {
		t.Errorf("Unexpected usage fields: %+v", l)
	}
	if l.LatencyMs != 1500 {
		t.Errorf("Expected 1500ms, got %d", l.LatencyMs)
	}
	if l.Mode != ModeEnsemble || l.Model != "mistral" {
		t.Errorf("Unexpected identity fields: %+v", l)
	}
}

func TestSummarize(t *testing.T) {
	logs := []*UsageLog{
		{Model: "a", PromptTokens: 1, CompletionTokens: 2, CostUSD: 0.5},
		{Model: "b", PromptTokens: 10, CostUSD: 1},
		{Model: "a", CompletionTokens: 3, CostUSD: 0.25},
	}

	got := Summarize(logs)

	if len(got) != 2 {
		t.Fatalf("Expected 2 models, got %d", len(got))
	}
	if got[0] != (ModelUsage{Model: "a", Requests: 2, TotalTokens: 6, TotalCostUSD: 0.75}) {
		t.Errorf("Unexpected summary for a: %+v", got[0])
	}
	if got[1].Model != "b" || got[1].Requests != 1 {
		t.Errorf("Unexpected summary for b: %+v", got[1])
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	entries := []*UsageLog{
		{TenantID: "t1", Model: "a", CostUSD: 0.1, CreatedAt: base},
		{TenantID: "t1", Model: "b", CostUSD: 0.2, CreatedAt: base.Add(time.Minute)},
		{TenantID: "t2", Model: "a", CostUSD: 5, CreatedAt: base},
		{TenantID: "t1", Model: "c", CostUSD: 9, CreatedAt: base.Add(48 * time.Hour)},
	}
	for _, e := range entries {
		if err := store.LogUsage(ctx, e); err != nil {
			t.Fatalf("LogUsage failed: %v", err)
		}
		if e.ID == "" {
			t.Error("Expected an id to be assigned")
		}
	}

	logs, err := store.GetUsageByTenant(ctx, "t1", base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetUsageByTenant failed: %v", err)
	}
	if len(logs) != 2 || logs[0].Model != "b" || logs[1].Model != "a" {
		t.Errorf("Expected newest-first logs for t1, got %+v", logs)
	}

	total, err := store.GetTotalCostByTenant(ctx, "t1", base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetTotalCostByTenant failed: %v", err)
	}
	if total < 0.2999 || total > 0.3001 {
		t.Errorf("Expected total 0.3, got %v", total)
	}
}

func TestMemoryStore_DefaultsCreatedAt(t *testing.T) {
	store := NewMemoryStore()
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	l := &UsageLog{TenantID: "t"}
	if err := store.LogUsage(context.Background(), l); err != nil {
		t.Fatalf("LogUsage failed: %v", err)
	}
	if !l.CreatedAt.Equal(fixed) {
		t.Errorf("Expected CreatedAt %v, got %v", fixed, l.CreatedAt)
	}
}

func TestPostgresStore_LogUsage(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	db := &fakeDB{row: fakeRow{values: []any{"0b8f6a0e-1d5c-4e8e-9c61-8a1f1f6a2b3c", created}}}
	store := NewPostgresStore(db)

	l := &UsageLog{TenantID: "t1", RequestID: "r1", Mode: ModeChat, Provider: "openai", Model: "gpt", PromptTokens: 3, CompletionTokens: 4, CostUSD: 0.000011, LatencyMs: 12}
	if err := store.LogUsage(context.Background(), l); err != nil {
		t.Fatalf("LogUsage failed: %v", err)
	}

	if l.ID == "" || !l.CreatedAt.Equal(created) {
		t.Errorf("Expected id and created_at from the database, got %+v", l)
	}
	if len(db.lastArgs) != 9 || db.lastArgs[2] != ModeChat {
		t.Errorf("Unexpected insert args %v", db.lastArgs)
	}
}

func TestPostgresStore_Errors(t *testing.T) {
	db := &fakeDB{row: fakeRow{err: errors.New("connection reset")}, execErr: errors.New("permission denied")}
	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.LogUsage(ctx, &UsageLog{}); err == nil || !strings.Contains(err.Error(), "failed to log usage") {
		t.Errorf("Expected wrapped log error, got %v", err)
	}
	if _, err := store.GetTotalCostByTenant(ctx, "t", time.Time{}, time.Now()); err == nil {
		t.Error("Expected total cost error")
	}
	if _, err := store.GetUsageByTenant(ctx, "t", time.Time{}, time.Now()); err == nil {
		t.Error("Expected query error")
	}
	if err := store.Migrate(ctx); err == nil {
		t.Error("Expected migrate error")
	}
}

func TestPostgresStore_TotalCost(t *testing.T) {
	db := &fakeDB{row: fakeRow{values: []any{1.25}}}

	total, err := NewPostgresStore(db).GetTotalCostByTenant(context.Background(), "t1", time.Time{}, time.Now())
	if err != nil {
		t.Fatalf("GetTotalCostByTenant failed: %v", err)
	}
	if total != 1.25 {
		t.Errorf("Expected 1.25, got %v", total)
	}
	if db.lastArgs[0] != "t1" {
		t.Errorf("Expected tenant argument, got %v", db.lastArgs)
	}
}
