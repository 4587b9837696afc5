package store

import (
	"strings"
	"testing"
)

func TestEncodeEmbedding(t *testing.T) {
	got := encodeEmbedding([]float32{0.1, -0.5, 2})
	if !got.Valid {
		t.Fatalf("expected valid encoding")
	}
	if got.String != "[0.1,-0.5,2]" {
		t.Fatalf("encoded = %q", got.String)
	}
	if empty := encodeEmbedding(nil); empty.Valid {
		t.Fatalf("empty embedding should encode as NULL")
	}
}

func TestDecodeEmbedding_RoundTrip(t *testing.T) {
	in := []float32{0.25, -1.5, 0, 3.125}
	out := decodeEmbedding(encodeEmbedding(in).String)
	if len(out) != len(in) {
		t.Fatalf("length %d != %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("index %d: %v != %v", i, out[i], in[i])
		}
	}
	if decodeEmbedding("") != nil {
		t.Fatalf("empty string should decode to nil")
	}
	if decodeEmbedding("[not,numbers]") != nil {
		t.Fatalf("garbage should decode to nil")
	}
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatalf("no embedded migrations found")
	}
	for _, m := range migrations {
		if strings.TrimSpace(m.UpSQL) == "" {
			t.Fatalf("migration %s has empty up SQL", m.ID)
		}
	}
	if !strings.Contains(migrations[0].UpSQL, "CREATE EXTENSION IF NOT EXISTS vector") {
		t.Fatalf("first migration must enable pgvector")
	}
}

func TestNew_RequiresConnection(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without DSN or DB")
	}
}
