package legalref

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func kinds(refs []Reference) []Kind {
	out := make([]Kind, len(refs))
	for i, r := range refs {
		out[i] = r.Kind
	}
	return out
}

func TestExtract_KapitelParagraf(t *testing.T) {
	refs := Extract("Enligt 2 kap. 1 § tryckfrihetsförordningen gäller detta.")
	if len(refs) != 1 {
		t.Fatalf("Extract returned %d refs, want 1: %+v", len(refs), refs)
	}
	r := refs[0]
	if r.Kind != KindSection || r.TargetChapter != "2" || r.TargetSection != "1" {
		t.Fatalf("unexpected ref: %+v", r)
	}
	if r.Display != "2 kap. 1 §" {
		t.Fatalf("Display=%q, want %q", r.Display, "2 kap. 1 §")
	}
}

func TestExtract_StyckeClaimsBeforeKapPar(t *testing.T) {
	refs := Extract("Se 3 kap. 4 § andra stycket.")
	if len(refs) != 1 {
		t.Fatalf("Extract returned %d refs, want 1: %+v", len(refs), refs)
	}
	if refs[0].TargetChapter != "3" || refs[0].TargetSection != "4" {
		t.Fatalf("unexpected ref: %+v", refs[0])
	}
}

func TestExtract_BareParagrafSuppressedAfterKapPar(t *testing.T) {
	refs := Extract("Av 2 kap. 1 § framgår detta. Enligt 1 § gäller även annat.")
	// The bare "1 §" repeats the section already captured via kap+§.
	if len(refs) != 1 {
		t.Fatalf("Extract returned %d refs, want 1: %+v", len(refs), refs)
	}
}

func TestExtract_ImplicitSFSSuppressedAfterExplicit(t *testing.T) {
	refs := Extract("Tryckfrihetsförordningen SFS 1974:152 gäller.")
	if len(refs) != 1 {
		t.Fatalf("Extract returned %d refs, want 1: %+v", len(refs), refs)
	}
	if refs[0].Kind != KindSFS || refs[0].TargetSFS != "1974:152" {
		t.Fatalf("unexpected ref: %+v", refs[0])
	}
}

func TestExtract_ImplicitSFS(t *testing.T) {
	refs := Extract("Offentlighets- och sekretesslagen (2009:400) reglerar detta.")
	if len(refs) != 1 || refs[0].Kind != KindSFS || refs[0].TargetSFS != "2009:400" {
		t.Fatalf("unexpected refs: %+v", refs)
	}
}

func TestExtract_SOUNotDoubleCapturedAsSFS(t *testing.T) {
	refs := Extract("Utredningen SOU 2020:14 föreslog ändringar.")
	if len(refs) != 1 || refs[0].Kind != KindSOU {
		t.Fatalf("unexpected refs: %+v", refs)
	}
}

func TestExtract_FullBattery(t *testing.T) {
	text := "Se prop. 2017/18:105, SOU 2017:39, Ds 2019:1, bet. 2019/20:KU12, " +
		"NJA 2015 s. 512, HFD 2018 ref. 45 och förordning (EU) 2016/679."
	refs := Extract(text)
	want := []Kind{KindProposition, KindSOU, KindDs, KindBetankande, KindNJA, KindHFD, KindEU}
	if diff := cmp.Diff(want, kinds(refs)); diff != "" {
		t.Fatalf("kind sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestExtract_Idempotent(t *testing.T) {
	text := "2 kap. 1 § SFS 1974:152 och prop. 2017/18:105 samt 5 §."
	first := Extract(text)
	second := Extract(text)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("Extract not idempotent (-first +second):\n%s", diff)
	}
}

func TestRenderRoundTrip(t *testing.T) {
	text := "Enligt 2 kap. 1 § och SFS 1974:152 samt prop. 2017/18:105 och NJA 2015 s. 512."
	refs := Extract(text)
	if len(refs) == 0 {
		t.Fatal("no refs extracted from seed text")
	}

	again := Extract(Render(refs))
	if len(again) != len(refs) {
		t.Fatalf("round trip changed count: %d != %d\nrendered=%q\nagain=%+v",
			len(again), len(refs), Render(refs), again)
	}
	type key struct {
		Kind    Kind
		Display string
	}
	count := make(map[key]int)
	for _, r := range refs {
		count[key{r.Kind, r.Display}]++
	}
	for _, r := range again {
		count[key{r.Kind, r.Display}]--
	}
	for k, n := range count {
		if n != 0 {
			t.Fatalf("multiset not preserved at %+v (delta %d)", k, n)
		}
	}
}
