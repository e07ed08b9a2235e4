package tcpvs

import (
	"testing"
)

func TestWLC_LeastConnectionsPerWeight(t *testing.T) {
	a := testDest("10.0.0.1:80", 2)
	b := testDest("10.0.0.2:80", 1)
	a.conns.Store(4)
	b.conns.Store(1)
	r := testRule(t, "^/", 0, a, b)

	if got := WLC(r, "/", nil); got != b {
		t.Fatalf("got %v, want %v", got, b)
	}
}

func TestWLC_TieKeepsEarlier(t *testing.T) {
	a := testDest("10.0.0.1:80", 2)
	b := testDest("10.0.0.2:80", 1)
	a.conns.Store(2)
	b.conns.Store(1)
	r := testRule(t, "^/", 0, a, b)

	if got := WLC(r, "/", nil); got != a {
		t.Fatalf("got %v, want %v", got, a)
	}
}

func TestWLC_ZeroWeights(t *testing.T) {
	r := testRule(t, "^/", 0, testDest("10.0.0.1:80", 0), testDest("10.0.0.2:80", 0))
	if got := WLC(r, "/", nil); got != nil {
		t.Fatalf("got %v, want none", got)
	}
	if got := WLC(testRule(t, "^/", 0), "/", nil); got != nil {
		t.Fatalf("empty rule: got %v", got)
	}
}

func TestWLC_PrefersActive(t *testing.T) {
	a := testDest("10.0.0.1:80", 1)
	b := testDest("10.0.0.2:80", 1)
	a.active.Store(false)
	b.conns.Store(10)
	r := testRule(t, "^/", 0, a, b)

	if got := WLC(r, "/", nil); got != b {
		t.Fatalf("got %v, want active %v", got, b)
	}

	b.active.Store(false)
	if got := WLC(r, "/", nil); got != a {
		t.Fatalf("all inactive: got %v, want %v", got, a)
	}
}

func TestSticky_Deterministic(t *testing.T) {
	dests := []*Destination{
		testDest("10.0.0.1:80", 1),
		testDest("10.0.0.2:80", 1),
		testDest("10.0.0.3:80", 1),
	}
	svc := testService("sticky", testRule(t, `^/s/([^/]+)/`, 1, dests...))

	// 'a'+'b'+'c' = 294, 294 % 3 = 0
	first := svc.MatchRule([]byte("/s/abc/x"), Sticky)
	if first != dests[0] {
		t.Fatalf("got %v, want %v", first, dests[0])
	}
	for i := 0; i < 10; i++ {
		if got := svc.MatchRule([]byte("/s/abc/y"), Sticky); got != first {
			t.Fatalf("call %d: got %v, want %v", i, got, first)
		}
	}
	// 'a'+'b'+'d' = 295
	if got := svc.MatchRule([]byte("/s/abd/"), Sticky); got != dests[1] {
		t.Fatalf("got %v, want %v", got, dests[1])
	}
}

func TestSticky_UnsetGroup(t *testing.T) {
	svc := testService("sticky",
		testRule(t, `^/s/(x)?`, 1, testDest("10.0.0.1:80", 1)),
		testRule(t, `^/`, 0, testDest("10.0.0.2:80", 1)),
	)
	// the first rule matches without the group; later rules are not tried
	if got := svc.MatchRule([]byte("/s/"), Sticky); got != nil {
		t.Fatalf("got %v, want none", got)
	}
	if got := svc.MatchRule([]byte("/s/x"), Sticky); got == nil || got.String() != "10.0.0.1:80" {
		t.Fatalf("got %v", got)
	}
}

func TestStickyIndex(t *testing.T) {
	if got := StickyIndex("\xff", 4); got != 3 {
		t.Fatalf("high byte: got %d", got)
	}
	if got := StickyIndex("", 5); got != 0 {
		t.Fatalf("empty: got %d", got)
	}
	if StickyIndex("session-42", 7) != StickyIndex("session-42", 7) {
		t.Fatal("not deterministic")
	}
}

func TestMatchRule_FirstMatchOnly(t *testing.T) {
	fallback := testDest("10.0.0.9:80", 1)
	svc := testService("first",
		testRule(t, "^/a/", 0, testDest("10.0.0.1:80", 0)),
		testRule(t, "^/", 0, fallback),
	)
	if got := svc.MatchRule([]byte("/a/b"), WLC); got != nil {
		t.Fatalf("got %v, want none", got)
	}
	if got := svc.MatchRule([]byte("/b"), WLC); got != fallback {
		t.Fatalf("got %v, want %v", got, fallback)
	}
	if got := testService("empty").MatchRule([]byte("/"), WLC); got != nil {
		t.Fatalf("no rules: got %v", got)
	}
}

func TestRoundRobin_SkipsZeroWeight(t *testing.T) {
	a := testDest("10.0.0.1:80", 1)
	b := testDest("10.0.0.2:80", 0)
	c := testDest("10.0.0.3:80", 1)
	r := testRule(t, "^/", 0, a, b, c)

	seen := map[*Destination]int{}
	for i := 0; i < 6; i++ {
		seen[RoundRobin(r, "/", nil)]++
	}
	if seen[b] != 0 {
		t.Fatalf("zero weight destination selected %d times", seen[b])
	}
	if seen[a] != 3 || seen[c] != 3 {
		t.Fatalf("uneven rotation: %v", seen)
	}
}

func TestBuildRules_ReusesDestinations(t *testing.T) {
	svc := testService("reload", testRule(t, "^/a/", 0, testDest("10.0.0.1:80", 1), testDest("10.0.0.2:80", 1)))
	old := svc.Rules()[0].Destinations[0]
	old.conns.Store(3)

	w := 5
	cfgs := rulesConfig("^/a/", dc("10.0.0.1:80", &w), dc("10.0.0.3:80", nil))
	svc.UpdateRules(cfgs)

	rules := svc.Rules()
	if len(rules) != 1 || len(rules[0].Destinations) != 2 {
		t.Fatalf("rules=%+v", rules)
	}
	if rules[0].Destinations[0] != old {
		t.Fatal("destination not reused")
	}
	if old.Weight() != 5 || old.Conns() != 3 {
		t.Fatalf("weight=%d conns=%d", old.Weight(), old.Conns())
	}
	if svc.FindDestination(mustAP("10.0.0.2:80")) != nil {
		t.Fatal("removed destination still present")
	}
	if d := svc.FindDestination(mustAP("10.0.0.3:80")); d == nil || d.Weight() != 1 {
		t.Fatalf("new destination: %v", d)
	}
}
