package textnorm

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"RECHAZO   PREVISIONAL", "RECHAZO PREVISIONAL"},
		{"Traslado Negativo Í", "TRASLADO NEGATIVO I"},
		{"  mantiene inscripción ", "MANTIENE INSCRIPCION"},
		{"Ñuñoa", "NUNOA"},
		{"CONCEPCI�N", "CONCEPCION"},
		{"Curaçao", "CURACAO"},
		{"\tNUEVO\nINSCRITO", "NUEVO INSCRITO"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		"Rechazado  Fallecido", "TRASLADO POSITIVO", "Migrados a Fonasa",
		"áéíóú ÁÉÍÓÚ", "ÀÈÌÒÙ âêîôû äëïöü", "  ", "x�y",
	}
	for _, in := range inputs {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Errorf("Normalize not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestContains(t *testing.T) {
	if !Contains("rechazado fallecido", "FALLECIDO") {
		t.Error("expected marker match after normalization")
	}
	if Contains("rechazado fallecido", "") {
		t.Error("empty marker must never match")
	}
	if Contains("mantiene inscripción", "FALLECIDO") {
		t.Error("unexpected match")
	}
}
