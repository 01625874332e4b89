package expand

import (
	"testing"

	"lagrum/internal/types"
)

func TestValidateVariants_DropsInventedSFS(t *testing.T) {
	got := ValidateVariants("Vad säger 1974:152 om riksdagen?", nil, []string{
		"Vilka regler finns i 1974:152 om riksdagen?",
		"Vad säger 1949:105 om riksdagen?",
	})
	if len(got) != 1 {
		t.Fatalf("variants=%v, want invented SFS dropped", got)
	}
	if got[0] != "Vilka regler finns i 1974:152 om riksdagen?" {
		t.Fatalf("kept wrong variant: %q", got[0])
	}
}

func TestValidateVariants_HistoryEntitiesAllowed(t *testing.T) {
	history := []types.HistoryTurn{{Role: "user", Content: "Berätta om Skatteverket"}}
	got := ValidateVariants("Vad gäller vid omprövning?", history, []string{
		"Hur hanterar Skatteverket omprövning?",
	})
	if len(got) != 1 {
		t.Fatalf("variants=%v, want history entity accepted", got)
	}
}

func TestValidateVariants_NoEntitiesPassThrough(t *testing.T) {
	got := ValidateVariants("Vad gäller vid uppsägning?", nil, []string{
		"Vilka regler gäller när man sägs upp?",
		"Uppsägningsregler i arbetslivet",
	})
	if len(got) != 2 {
		t.Fatalf("variants=%v, want entity-free variants kept", got)
	}
}
