package store_test

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/security-geeks/evilbts/internal/store"
	"github.com/security-geeks/evilbts/internal/ybts"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "sub", "test.db")},
		slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testSubscriber(imsi string) *store.Subscriber {
	return &store.Subscriber{
		IMSI: imsi,
		Ki:   "465b5ce8b199b49faa5f0a2ee238a6bc",
		OPc:  "cd63cb71954a9f4e48a5994e37a02baf",
		SQN:  32,
		AMF:  0x8000,
	}
}

func TestSubscriberCRUD(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	subs := openTestDB(t).Subscribers()

	if _, err := subs.Get(ctx, "001010000000001"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get missing err = %v, want ErrNotFound", err)
	}

	s := testSubscriber("001010000000001")
	if err := subs.Put(ctx, s); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := subs.Get(ctx, s.IMSI)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Ki != s.Ki || got.SQN != 32 || got.AMF != 0x8000 || got.Barred {
		t.Errorf("Get = %+v", got)
	}

	s.Barred = true
	s.MSISDN = "555"
	if err := subs.Put(ctx, s); err != nil {
		t.Fatalf("Put update: %v", err)
	}
	got, _ = subs.Get(ctx, s.IMSI)
	if !got.Barred || got.MSISDN != "555" {
		t.Errorf("update not applied: %+v", got)
	}

	_ = subs.Put(ctx, testSubscriber("001010000000000"))
	list, err := subs.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].IMSI != "001010000000000" {
		t.Errorf("List = %+v", list)
	}

	if err := subs.Delete(ctx, s.IMSI); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := subs.Delete(ctx, s.IMSI); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second Delete err = %v, want ErrNotFound", err)
	}
}

func TestSubscriberSQN(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	subs := openTestDB(t).Subscribers()
	_ = subs.Put(ctx, testSubscriber("001010000000002"))

	for want := uint64(33); want <= 35; want++ {
		s, err := subs.AdvanceSQN(ctx, "001010000000002", 1)
		if err != nil {
			t.Fatalf("AdvanceSQN: %v", err)
		}
		if s.SQN != want {
			t.Errorf("SQN = %d, want %d", s.SQN, want)
		}
	}

	if err := subs.SetSQN(ctx, "001010000000002", 1000); err != nil {
		t.Fatalf("SetSQN: %v", err)
	}
	s, _ := subs.AdvanceSQN(ctx, "001010000000002", 1)
	if s.SQN != 1001 {
		t.Errorf("SQN after resync = %d, want 1001", s.SQN)
	}

	if _, err := subs.AdvanceSQN(ctx, "nobody", 1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("AdvanceSQN missing err = %v", err)
	}
	if err := subs.SetSQN(ctx, "nobody", 1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("SetSQN missing err = %v", err)
	}
}

func TestSubscriberProvisionKeepsSQN(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	subs := openTestDB(t).Subscribers()

	s := testSubscriber("001010000000003")
	if err := subs.Provision(ctx, s); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if _, err := subs.AdvanceSQN(ctx, s.IMSI, 8); err != nil {
		t.Fatalf("AdvanceSQN: %v", err)
	}

	again := testSubscriber(s.IMSI)
	again.SQN = 0
	again.Barred = true
	if err := subs.Provision(ctx, again); err != nil {
		t.Fatalf("Provision again: %v", err)
	}
	got, _ := subs.Get(ctx, s.IMSI)
	if got.SQN != 40 {
		t.Errorf("SQN = %d, want 40 kept across provisioning", got.SQN)
	}
	if !got.Barred {
		t.Error("credential update not applied")
	}
}

func TestJournal(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	j := db.Journal()
	j.SetEpoch("epoch-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	base := time.Now().Add(-time.Minute)
	j.ConnCreated(ybts.ConnInfo{ID: 3, SessionRef: "imsi-001010000000001", Created: base})
	j.ConnReleased(ybts.ConnInfo{ID: 3, SessionRef: "imsi-001010000000001"}, ybts.ReasonIdle)
	j.ConnCreated(ybts.ConnInfo{ID: ybts.GprsConnBase + 1, SessionRef: "tlli", Created: base})
	j.Record(store.ConnEvent{Event: store.EventAuth, Subscriber: "imsi-001010000000001", Detail: "accepted"})

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	events, err := j.Recent(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}
	for _, ev := range events {
		if ev.Epoch != "epoch-1" {
			t.Errorf("event %+v missing epoch", ev)
		}
	}

	mine, _ := j.Recent(context.Background(), "imsi-001010000000001", 10)
	if len(mine) != 3 {
		t.Errorf("subscriber filter returned %d events, want 3", len(mine))
	}
	var kinds []string
	for _, ev := range events {
		if ev.Event == store.EventCreated {
			kinds = append(kinds, ev.Kind)
		}
	}
	if len(kinds) != 2 || kinds[0] == kinds[1] {
		t.Errorf("created kinds = %v, want one circuit and one gprs", kinds)
	}

	n, err := j.Prune(context.Background(), time.Now().Add(-30*time.Second))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 2 {
		t.Errorf("Prune removed %d, want 2", n)
	}
	if j.Dropped() != 0 {
		t.Errorf("Dropped = %d", j.Dropped())
	}
}
