package store

import (
	"sync"
	"testing"
	"time"

	"tickflow/models"
)

func TestSnapshotUnknownSymbol(t *testing.T) {
	s := NewStore()
	if _, ok := s.Snapshot("BTCUSDT"); ok {
		t.Fatal("snapshot of unknown symbol should report absence")
	}
}

func TestOverlayFieldWins(t *testing.T) {
	s := NewStore()
	s.UpdateFromRest("BTCUSDT", models.SnapshotPatch{
		LastPrice:   models.Float(100),
		FundingRate: models.Float(0.0001),
		Volume24h:   models.Float(5000),
	})
	s.UpdateFromRealtime("BTCUSDT", models.SnapshotPatch{
		LastPrice: models.Float(101),
	})

	snap, ok := s.Snapshot("BTCUSDT")
	if !ok {
		t.Fatal("snapshot missing")
	}
	if snap.LastPrice != 101 {
		t.Fatalf("last price = %v, want realtime overlay value", snap.LastPrice)
	}
	if snap.FundingRate != 0.0001 || snap.Volume24h != 5000 {
		t.Fatalf("baseline fields lost: %+v", snap)
	}
	if !snap.SourceRealtime {
		t.Fatal("SourceRealtime should be set when an overlay field contributed")
	}
}

func TestRestOnlySnapshotNotRealtime(t *testing.T) {
	s := NewStore()
	s.UpdateFromRest("ETHUSDT", models.SnapshotPatch{LastPrice: models.Float(3000)})

	snap, _ := s.Snapshot("ETHUSDT")
	if snap.SourceRealtime {
		t.Fatal("SourceRealtime set with no overlay data")
	}
	if snap.LastPrice != 3000 {
		t.Fatalf("last price = %v", snap.LastPrice)
	}
}

func TestRealtimeDeltasAccumulate(t *testing.T) {
	s := NewStore()
	s.UpdateFromRealtime("BTCUSDT", models.SnapshotPatch{LastPrice: models.Float(100)})
	s.UpdateFromRealtime("BTCUSDT", models.SnapshotPatch{MarkPrice: models.Float(100.5)})

	snap, _ := s.Snapshot("BTCUSDT")
	if snap.LastPrice != 100 || snap.MarkPrice != 100.5 {
		t.Fatalf("deltas did not accumulate: %+v", snap)
	}
}

func TestEmptyPatchIgnored(t *testing.T) {
	s := NewStore()
	s.UpdateFromRealtime("BTCUSDT", models.SnapshotPatch{})
	if _, ok := s.Snapshot("BTCUSDT"); ok {
		t.Fatal("empty patch must not create an entry")
	}
}

func TestUpdatedAtTracksNewestLayer(t *testing.T) {
	s := NewStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	s.now = func() time.Time { return clock }

	s.UpdateFromRest("BTCUSDT", models.SnapshotPatch{LastPrice: models.Float(1)})
	clock = base.Add(time.Minute)
	s.UpdateFromRealtime("BTCUSDT", models.SnapshotPatch{MarkPrice: models.Float(2)})

	snap, _ := s.Snapshot("BTCUSDT")
	if !snap.UpdatedAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("UpdatedAt = %v, want realtime write time", snap.UpdatedAt)
	}
}

func TestAllSorted(t *testing.T) {
	s := NewStore()
	for _, sym := range []string{"XRPUSDT", "BTCUSDT", "ETHUSDT"} {
		s.UpdateFromRest(sym, models.SnapshotPatch{LastPrice: models.Float(1)})
	}
	all := s.All()
	if len(all) != 3 {
		t.Fatalf("got %d snapshots", len(all))
	}
	if all[0].Symbol != "BTCUSDT" || all[2].Symbol != "XRPUSDT" {
		t.Fatalf("not sorted: %v", all)
	}
}

func TestRemove(t *testing.T) {
	s := NewStore()
	s.UpdateFromRest("BTCUSDT", models.SnapshotPatch{LastPrice: models.Float(1)})
	s.Remove("BTCUSDT")
	if _, ok := s.Snapshot("BTCUSDT"); ok {
		t.Fatal("entry survived Remove")
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(v float64) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s.UpdateFromRealtime("BTCUSDT", models.SnapshotPatch{LastPrice: models.Float(v)})
			}
		}(float64(i))
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s.Snapshot("BTCUSDT")
				s.All()
			}
		}()
	}
	wg.Wait()

	snap, ok := s.Snapshot("BTCUSDT")
	if !ok || snap.LastPrice < 0 || snap.LastPrice > 7 {
		t.Fatalf("final snapshot corrupt: %+v", snap)
	}
}
