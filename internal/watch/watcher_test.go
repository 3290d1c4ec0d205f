package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"callassist/internal/customers"
	"callassist/internal/events"
	"github.com/rs/zerolog"
)

func TestWatcherReloadsChangedFiles(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "customers.csv")
	pricingPath := filepath.Join(dir, "pricing_plan.json")
	if err := os.WriteFile(csvPath, []byte("name,phone,plan\nKim,010-1111-2222,LTE30+\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	d, err := customers.Load(csvPath, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	cat, err := customers.LoadCatalog(pricingPath, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	bus := events.NewBus()
	ch, cancelSub := bus.Subscribe(16)
	defer cancelSub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := New(bus, zerolog.Nop(), d, cat)
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(csvPath, []byte("name,phone,plan\nKim,010-1111-2222,LTE30+\nLee,010-3333-4444,5G\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(pricingPath, []byte(`{"plans":[]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, found := d.Lookup("010-3333-4444")
		if found && strings.Contains(string(cat.JSON()), "plans") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, found := d.Lookup("010-3333-4444"); !found {
		t.Fatalf("customer directory not reloaded")
	}
	if !strings.Contains(string(cat.JSON()), "plans") {
		t.Fatalf("pricing not reloaded: %s", cat.JSON())
	}

	select {
	case ev := <-ch:
		if ev.Type != events.DirectoryReload {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no reload event published")
	}
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "customers.csv")
	d := customers.NewDirectory(csvPath, zerolog.Nop())
	bus := events.NewBus()
	ch, cancelSub := bus.Subscribe(4)
	defer cancelSub()

	w := New(bus, zerolog.Nop(), d)
	w.handle(filepath.Join(dir, "notes.txt"))
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestWatcherWithoutTargets(t *testing.T) {
	w := New(nil, zerolog.Nop(), customers.NewDirectory("", zerolog.Nop()))
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
}
