package match

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase", "Метро МОСКВЫ", "метро москвы"},
		{"punctuation stripped", "«Выход» — закрыт, навсегда!", "выход закрыт навсегда"},
		{"digits kept", "Линия Д-3 откроется в 2026 году", "линия д 3 откроется в 2026 году"},
		{"latin kept", "Парк Zaryadye открыт", "парк zaryadye открыт"},
		{"yo kept", "Ёлки на площади", "ёлки на площади"},
		{"whitespace collapsed", "два   слова\n\tтри", "два слова три"},
		{"empty", "", ""},
		{"only punctuation", "?!...", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCommonWords(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		want int
	}{
		{
			"inflected forms share stems",
			"Врачи открыли детскую поликлинику в Бутово",
			"Врачам открывают детские поликлиники Бутово",
			5,
		},
		{
			"nothing shared",
			"Метро закрыто на ремонт",
			"Парад прошёл на набережной",
			0,
		},
		{
			"attribution verbs do not count",
			"Собянин сообщил про запуск трамвая",
			"Мэр сообщил о разном",
			0,
		},
		{
			"short words dropped",
			"он на во исправит",
			"он на во испечёт",
			0,
		},
		{"both empty", "", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CommonWords(tt.a, tt.b); got != tt.want {
				t.Fatalf("CommonWords(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}
