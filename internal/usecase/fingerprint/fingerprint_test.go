package fingerprint

import "testing"

func TestComputeDeterministic(t *testing.T) {
	text := "Новый релиз! https://example.com/post?utm_source=tw"
	first := Compute("primary", text)
	second := Compute("primary", text)
	if first == "" {
		t.Fatal("ожидали непустой ключ для текста с URL")
	}
	if first != second {
		t.Fatalf("ожидали одинаковый ключ, получили %s и %s", first, second)
	}
}

func TestComputeIgnoresCaseWhitespaceAndPunctuation(t *testing.T) {
	a := Compute("primary", "Check  THIS out https://example.com/post/ !!")
	b := Compute("primary", "check this out https://example.com/post")
	if a == "" || a != b {
		t.Fatalf("ожидали совпадение ключей, получили %s и %s", a, b)
	}
}

func TestComputeStripsTrackingParams(t *testing.T) {
	a := Compute("primary", "news https://example.com/a?utm_source=x&utm_medium=social&id=7")
	b := Compute("primary", "news https://example.com/a?id=7")
	if a != b {
		t.Fatalf("ожидали, что utm-параметры не влияют на ключ: %s != %s", a, b)
	}
}

func TestComputeWithoutURL(t *testing.T) {
	if key := Compute("primary", "просто текст без ссылки"); key != "" {
		t.Fatalf("ожидали пустой ключ без URL, получили %s", key)
	}
	if key := Compute("primary", ""); key != "" {
		t.Fatalf("ожидали пустой ключ для пустого текста, получили %s", key)
	}
}

func TestComputeDiffersBySlot(t *testing.T) {
	a := Compute("primary", "news https://example.com/a")
	b := Compute("backup", "news https://example.com/a")
	if a == b {
		t.Fatal("ожидали разные ключи для разных слотов")
	}
}

func TestCanonicalURL(t *testing.T) {
	cases := map[string]string{
		"HTTPS://Example.COM:443/Path/":      "https://example.com/Path",
		"http://example.com:80/":             "http://example.com/",
		"https://example.com/a?fbclid=1&b=2": "https://example.com/a?b=2",
		"https://example.com":                "https://example.com/",
		"ftp://example.com/x":                "",
		"не ссылка":                          "",
	}
	for raw, want := range cases {
		if got := CanonicalURL(raw); got != want {
			t.Errorf("CanonicalURL(%q) = %q, ожидали %q", raw, got, want)
		}
	}
}

func TestFirstURLTrimsSentencePunctuation(t *testing.T) {
	got := FirstURL("смотри https://example.com/a, дальше текст")
	if got != "https://example.com/a" {
		t.Fatalf("ожидали срез запятой, получили %q", got)
	}
}
