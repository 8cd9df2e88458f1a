package main

import (
	"strings"
	"testing"
)

func TestParseStageFlags(t *testing.T) {
	specs, err := parseStageFlags([]string{"transcode", "superres:scale=4", "denoise:strength=7"})
	if err != nil {
		t.Fatalf("parseStageFlags returned error: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("expected 3 specs, got %d", len(specs))
	}
	if specs[0].Name != "transcode" || specs[0].Params != nil {
		t.Fatalf("unexpected first spec: %+v", specs[0])
	}
	if specs[1].Params["scale"] != "4" {
		t.Fatalf("expected scale=4, got %+v", specs[1].Params)
	}
	if specs[2].Params["strength"] != "7" {
		t.Fatalf("expected strength=7, got %+v", specs[2].Params)
	}
}

func TestParseStageFlagsRejectsMalformedParams(t *testing.T) {
	if _, err := parseStageFlags([]string{"superres:scale"}); err == nil {
		t.Fatal("expected error for param without value")
	}
}

func TestRenderPlainFallback(t *testing.T) {
	out := renderTable(
		[]string{"JOB", "STATUS"},
		[][]string{{"abc", "queued"}, {"def", "running"}},
		[]columnAlignment{alignLeft, alignLeft},
		&strings.Builder{},
	)
	lines := strings.Split(out, "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), out)
	}
	if lines[0] != "JOB\tSTATUS" || lines[1] != "abc\tqueued" {
		t.Fatalf("unexpected plain output: %q", out)
	}
}
