package redact

import (
	"strings"
	"testing"
)

func FuzzRedactIdempotent(f *testing.F) {
	e := New()

	f.Add("password=SuperSecret123")
	f.Add(`{"password":"hunter2","token":"abc.def.ghi"}`)
	f.Add("Bearer eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiIxIn0.sig")
	f.Add("postgres://admin:pw@host/db")
	f.Add("")
	f.Add(strings.Repeat("secret=aaa ", 1000))
	f.Add("password=[REDACTED]")
	f.Add("nested password=password=password=abc123")

	f.Fuzz(func(t *testing.T, text string) {
		first := e.Redact(text)
		second := e.Redact(first)
		if first != second {
			t.Errorf("not idempotent:\n in: %q\n 1x: %q\n 2x: %q", text, first, second)
		}
	})
}
