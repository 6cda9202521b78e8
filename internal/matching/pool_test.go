package matching

import (
	"sync"
	"testing"

	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/store"
)

func TestPool_AddRemoveOrder(t *testing.T) {
	p := NewPool()
	for _, id := range []int64{3, 1, 2} {
		if !p.Add(Entry{ID: id}) {
			t.Fatalf("Add(%d) returned false", id)
		}
	}
	if p.Add(Entry{ID: 1, Age: 99}) {
		t.Fatalf("duplicate Add returned true")
	}
	if p.Len() != 3 {
		t.Fatalf("Len=%d, want 3", p.Len())
	}

	if !p.Remove(1) {
		t.Fatalf("Remove(1) returned false")
	}
	if p.Remove(1) {
		t.Fatalf("second Remove(1) returned true")
	}
	if p.Contains(1) {
		t.Fatalf("Contains(1) after remove")
	}

	snap := p.Snapshot()
	if len(snap) != 2 || snap[0].ID != 3 || snap[1].ID != 2 {
		t.Fatalf("Snapshot=%+v, want ids [3 2]", snap)
	}
}

func TestPool_AddAndMatchRemovesPair(t *testing.T) {
	p := NewPool()
	p.Add(Entry{ID: 1, Gender: store.GenderFemale, Age: 25})

	partner, ok := p.AddAndMatch(Entry{ID: 2, Gender: store.GenderMale, Age: 27}, DefaultRules())
	if !ok || partner.ID != 1 {
		t.Fatalf("AddAndMatch=%d,%v, want 1", partner.ID, ok)
	}
	if p.Len() != 0 {
		t.Fatalf("Len=%d, want 0", p.Len())
	}
}

func TestPool_AddAndMatchWithoutPartnerKeepsEntry(t *testing.T) {
	p := NewPool()
	if _, ok := p.AddAndMatch(Entry{ID: 2, Gender: store.GenderMale, Age: 27}, DefaultRules()); ok {
		t.Fatalf("matched against empty pool")
	}
	if !p.Contains(2) {
		t.Fatalf("unmatched requester should stay waiting")
	}
}

func TestPool_ConcurrentAddAndMatchPairsEachOnce(t *testing.T) {
	p := NewPool()
	const n = 200

	var (
		mu      sync.Mutex
		matched = make(map[int64]int)
		wg      sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		g := store.GenderMale
		if i%2 == 1 {
			g = store.GenderFemale
		}
		e := Entry{ID: int64(i + 1), Gender: g, Age: 30}
		wg.Add(1)
		go func() {
			defer wg.Done()
			partner, ok := p.AddAndMatch(e, DefaultRules())
			if !ok {
				return
			}
			mu.Lock()
			matched[e.ID]++
			matched[partner.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for id, count := range matched {
		if count != 1 {
			t.Fatalf("participant %d matched %d times", id, count)
		}
		if p.Contains(id) {
			t.Fatalf("matched participant %d still waiting", id)
		}
	}
	if len(matched)+p.Len() != n {
		t.Fatalf("matched=%d waiting=%d, want total %d", len(matched), p.Len(), n)
	}
}
