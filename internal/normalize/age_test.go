package normalize

import "testing"

func TestExtractAgeScopedToDeathSentence(t *testing.T) {
	t.Parallel()

	text := "She was admitted to Teacher's College at the age of 16. She passed away peacefully at the age of 84."
	if got := ExtractAge(text); got != 84 {
		t.Fatalf("ExtractAge = %d; want 84", got)
	}
}

func TestExtractAgePatterns(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want int
	}{
		{"John died on Monday, aged 91.", 91},
		{"Passed away in his 85th year.", 84},
		{"She passed away at 77 years of age.", 77},
		{"He started work at age 14. He loved fishing.", 0},
		{"Passed away at the age of 150.", 0},
		{"She studied nursing at the age of 18. She passed away peacefully at the age of 84.", 84},
		{"He was engaged at the age of 22 and managed the family mill.", 0},
		{"The overpassing lane opened when he was 40 years old.", 0},
		{"", 0},
	}

	for _, c := range cases {
		if got := ExtractAge(c.in); got != c.want {
			t.Errorf("ExtractAge(%q) = %d; want %d", c.in, got, c.want)
		}
	}
}

func TestAgeFromDates(t *testing.T) {
	t.Parallel()

	if got := AgeFromDates("1941-06-01", "2026-02-13"); got != 84 {
		t.Fatalf("AgeFromDates before birthday = %d; want 84", got)
	}
	if got := AgeFromDates("1941-02-13", "2026-02-13"); got != 85 {
		t.Fatalf("AgeFromDates on birthday = %d; want 85", got)
	}
	if got := AgeFromDates("", "2026-02-13"); got != 0 {
		t.Fatalf("AgeFromDates missing birth = %d; want 0", got)
	}
}

func TestResolveAgePrecedence(t *testing.T) {
	t.Parallel()

	if got := ResolveAge("Age 84", "passed away aged 90", "", ""); got != 84 {
		t.Fatalf("explicit field should win, got %d", got)
	}
	if got := ResolveAge("", "passed away aged 90", "1941-06-01", "2026-02-13"); got != 90 {
		t.Fatalf("text should win over dates, got %d", got)
	}
	if got := ResolveAge("", "", "1941-06-01", "2026-02-13"); got != 84 {
		t.Fatalf("dates fallback, got %d", got)
	}
}

func TestDeathDateFromText(t *testing.T) {
	t.Parallel()

	text := "Born on March 1, 1941 in Sudbury. Jane passed away peacefully on February 13, 2026 at Southlake."
	if got := DeathDateFromText(text); got != "2026-02-13" {
		t.Fatalf("DeathDateFromText = %q; want 2026-02-13", got)
	}
	if got := DeathDateFromText("Born on March 1, 1941."); got != "" {
		t.Fatalf("expected no death date, got %q", got)
	}
}
