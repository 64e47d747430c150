package domain_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
)

func TestPartnerJSON(t *testing.T) {
	var p domain.Partner
	if err := json.Unmarshal([]byte(`[1, "Acme"]`), &p); err != nil {
		t.Fatalf("unmarshal pair: %v", err)
	}
	if p.ID != 1 || p.Name != "Acme" {
		t.Fatalf("unexpected partner: %+v", p)
	}

	if err := json.Unmarshal([]byte(`false`), &p); err != nil {
		t.Fatalf("unmarshal false: %v", err)
	}
	if p != (domain.Partner{}) {
		t.Fatalf("expected empty partner, got %+v", p)
	}

	raw, err := json.Marshal(domain.Partner{ID: 7, Name: "Globex"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `[7,"Globex"]` {
		t.Fatalf("unexpected encoding: %s", raw)
	}

	if err := json.Unmarshal([]byte(`[1]`), &p); err == nil {
		t.Fatal("expected error for single-element partner")
	}
}

func TestReplaceBracketCode(t *testing.T) {
	cases := []struct {
		name string
		in   string
		code string
		want string
	}{
		{name: "replace existing", in: "[A1] Widget", code: "B2", want: "[B2] Widget"},
		{name: "add missing", in: "Widget", code: "B2", want: "[B2] Widget"},
		{name: "empty code strips", in: "[A1] Widget", code: "", want: "Widget"},
		{name: "only code", in: "[A1]", code: "C3", want: "[C3]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := domain.ReplaceBracketCode(tc.in, tc.code); got != tc.want {
				t.Fatalf("ReplaceBracketCode(%q, %q) = %q, want %q", tc.in, tc.code, got, tc.want)
			}
		})
	}

	if got := domain.BracketCode("[X-9] Bolt"); got != "X-9" {
		t.Fatalf("BracketCode = %q", got)
	}
	if got := domain.BracketCode("Bolt"); got != "" {
		t.Fatalf("BracketCode without code = %q", got)
	}
}

func TestPendingLedgerLatest(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	ledger := domain.PendingLedger{
		ProductUpdates: []domain.ProductUpdate{
			{ID: "p1", LineID: 1, NewCode: "A", Timestamp: t0},
			{ID: "p2", LineID: 1, NewCode: "B", Timestamp: t0.Add(time.Minute)},
			{ID: "p3", LineID: 1, NewCode: "C", Timestamp: t0.Add(2 * time.Minute), Synced: true},
		},
		DeliveryUpdates: []domain.DeliveryUpdate{
			{ID: "d1", LineID: 2, NewQty: 3, Timestamp: t0},
		},
	}

	latest, ok := ledger.LatestProductUpdate(1)
	if !ok || latest.NewCode != "B" {
		t.Fatalf("expected latest unsynced code B, got %+v ok=%v", latest, ok)
	}
	if _, ok := ledger.LatestProductUpdate(2); ok {
		t.Fatal("expected no product update for line 2")
	}
	if d, ok := ledger.LatestDeliveryUpdate(2); !ok || d.NewQty != 3 {
		t.Fatalf("unexpected delivery update %+v", d)
	}
	if got := ledger.UnsyncedCount(); got != 3 {
		t.Fatalf("expected 3 unsynced entries, got %d", got)
	}
}

func TestOrderRecordCloneIsDeep(t *testing.T) {
	now := time.Now().UTC()
	rec := domain.NewOrderRecord(42, now)
	rec.Snapshot.Lines = append(rec.Snapshot.Lines, domain.OrderLine{ID: 1, Name: "x"})
	rec.Meta.LastSyncedAt = &now

	clone := rec.Clone()
	clone.Snapshot.Lines[0].Name = "changed"
	*clone.Meta.LastSyncedAt = now.Add(time.Hour)

	if rec.Snapshot.Lines[0].Name != "x" {
		t.Fatal("clone shares lines with original")
	}
	if !rec.Meta.LastSyncedAt.Equal(now) {
		t.Fatal("clone shares lastSyncedAt with original")
	}
}

func TestPriorityRank(t *testing.T) {
	if !(domain.PriorityHigh.Rank() < domain.PriorityNormal.Rank() && domain.PriorityNormal.Rank() < domain.PriorityLow.Rank()) {
		t.Fatal("priority ranks must order high < normal < low")
	}
	if domain.Priority("").Rank() != domain.PriorityNormal.Rank() {
		t.Fatal("empty priority must rank as normal")
	}
}
