package main

import (
	"strings"
	"testing"
)

func TestRenderEmbedsCompactSpec(t *testing.T) {
	page, err := render([]byte("{\n  \"swagger\": \"2.0\"\n}\n"), "collabd <dev>")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	out := string(page)
	if !strings.Contains(out, `spec: {"swagger":"2.0"},`) {
		t.Fatalf("compact spec missing from page:\n%s", out)
	}
	if !strings.Contains(out, "<title>collabd &lt;dev&gt;</title>") {
		t.Fatalf("title not escaped:\n%s", out)
	}
}

func TestRenderRejectsInvalidSpec(t *testing.T) {
	if _, err := render([]byte("{nope"), "x"); err == nil {
		t.Fatalf("expected invalid json to fail")
	}
}
