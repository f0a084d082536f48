package scrubber

import (
	"errors"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

const testPattern = `\.(m3u8|mp4|ts)(\?.*)?$`

func TestContractJSON(t *testing.T) {
	doc, err := DefaultContract(testPattern).JSON()
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	if !gjson.ValidBytes(doc) {
		t.Fatalf("invalid json: %s", doc)
	}
	r := gjson.ParseBytes(doc)
	if r.Get("intervalMs").Int() != 600 {
		t.Errorf("intervalMs = %d", r.Get("intervalMs").Int())
	}
	if n := len(r.Get("selectors").Array()); n != len(DefaultSelectors) {
		t.Errorf("selectors = %d, want %d", n, len(DefaultSelectors))
	}
	if r.Get("mediaPattern").String() != testPattern {
		t.Errorf("mediaPattern round trip = %q", r.Get("mediaPattern").String())
	}
	if !r.Get("blockPopups").Bool() {
		t.Error("blockPopups should default to true")
	}
	if r.Get("version").String() != Version {
		t.Errorf("version = %q", r.Get("version").String())
	}
}

func TestContractJSONEmptyLists(t *testing.T) {
	doc, err := Contract{IntervalMS: 100}.JSON()
	if err != nil {
		t.Fatal(err)
	}
	if !gjson.GetBytes(doc, "selectors").IsArray() {
		t.Errorf("nil selectors should encode as []: %s", doc)
	}
}

func TestPayloadEmbedsContract(t *testing.T) {
	js, err := Payload(DefaultContract(testPattern))
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}
	if strings.Contains(js, contractPlaceholder) {
		t.Fatal("placeholder not replaced")
	}
	for _, want := range []string{`"intervalMs":600`, `window.open`, `__streamgateScrubber`, `[id*=\"ad\"]`} {
		if !strings.Contains(js, want) {
			t.Errorf("payload missing %q", want)
		}
	}
}

func TestValidate(t *testing.T) {
	cases := []Contract{
		{IntervalMS: 0},
		{IntervalMS: 100, Selectors: []string{" "}},
		{IntervalMS: 100, ReportBinding: "x"},
	}
	for i, c := range cases {
		if err := c.Validate(); !errors.Is(err, ErrInvalidContract) {
			t.Errorf("case %d: err = %v", i, err)
		}
		if _, err := Payload(c); err == nil {
			t.Errorf("case %d: Payload should fail", i)
		}
	}
	if err := DefaultContract(testPattern).Validate(); err != nil {
		t.Errorf("default contract invalid: %v", err)
	}
}
