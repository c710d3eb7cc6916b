package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseOverrides(t *testing.T) {
	got, err := parseOverrides([]string{"eu:day=2026-03-14", "eu:region=north", "us:day=2026-03-13"})
	if err != nil {
		t.Fatal(err)
	}
	if got["eu"]["day"] != "2026-03-14" || got["eu"]["region"] != "north" || got["us"]["day"] != "2026-03-13" {
		t.Errorf("overrides = %v", got)
	}

	// Values may contain separators after the first '='.
	got, err = parseOverrides([]string{"eu:filter=a=b:c"})
	if err != nil {
		t.Fatal(err)
	}
	if got["eu"]["filter"] != "a=b:c" {
		t.Errorf("filter = %q", got["eu"]["filter"])
	}

	for _, bad := range []string{"noinstance", ":k=v", "eu:novalue", "eu:=v"} {
		if _, err := parseOverrides([]string{bad}); err == nil {
			t.Errorf("parseOverrides(%q) succeeded, want error", bad)
		}
	}

	if got, err := parseOverrides(nil); err != nil || got != nil {
		t.Errorf("parseOverrides(nil) = %v, %v", got, err)
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	err := writeCSV(&buf, []string{"region", "total", "source_instance"}, [][]string{
		{"north", "10", "eu"},
		{"south, east", "5", "us"},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := "region,total,source_instance\nnorth,10,eu\n\"south, east\",5,us\n"
	if buf.String() != want {
		t.Errorf("csv = %q, want %q", buf.String(), want)
	}
}

func TestPrintEvent(t *testing.T) {
	var buf bytes.Buffer
	data := `{"batch_id":"b1","status":"running","total_instances":3,"counts":{"pending":1,"running":1,"completed":1}}`
	if err := printEvent(&buf, "status", []byte(data)); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "total=3 pending=1 running=1 completed=1") {
		t.Errorf("line = %q", buf.String())
	}

	if err := printEvent(&buf, "error", []byte("boom")); err == nil {
		t.Error("error event should return an error")
	}
}

func TestAPIError(t *testing.T) {
	err := apiError(400, []byte(`{"error":"invalid execution parameters","code":"INVALID_PARAMETERS","missing":["day"]}`))
	if !strings.Contains(err.Error(), "missing day") {
		t.Errorf("err = %v", err)
	}
	err = apiError(502, []byte("bad gateway"))
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("err = %v", err)
	}
}
