package memory_test

import (
	"context"
	"path/filepath"
	"testing"

	xerrors "Errand-Desk/internal/errors"
	"Errand-Desk/internal/memory"
	"Errand-Desk/internal/storage/sqlstore"
)

func newBook(t *testing.T) *memory.Book {
	t.Helper()
	db, err := sqlstore.Open(context.Background(), sqlstore.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "memory.db")})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return memory.NewBook(db)
}

func TestParseCategory(t *testing.T) {
	cases := map[string]memory.Category{
		"":             memory.CategoryContext,
		"  ":           memory.CategoryContext,
		"FACT":         memory.CategoryFact,
		" preference ": memory.CategoryPreference,
		"instruction":  memory.CategoryInstruction,
	}
	for raw, want := range cases {
		got, ok := memory.ParseCategory(raw)
		if !ok || got != want {
			t.Fatalf("ParseCategory(%q) = %q, %v", raw, got, ok)
		}
	}
	if _, ok := memory.ParseCategory("gossip"); ok {
		t.Fatalf("unknown category accepted")
	}
}

func TestCreateDefaultsCategory(t *testing.T) {
	b := newBook(t)
	ctx := context.Background()
	m, err := b.Create(ctx, "  Prefers window seats ", "", "chat")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.Category != memory.CategoryContext || m.Content != "Prefers window seats" {
		t.Fatalf("unexpected memory %+v", m)
	}
	list, err := b.List(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Category != memory.CategoryContext || list[0].Source != "chat" {
		t.Fatalf("unexpected stored memories %+v", list)
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	b := newBook(t)
	ctx := context.Background()
	if _, err := b.Create(ctx, "   ", "fact", ""); xerrors.CodeOf(err) != memory.CodeMemoryValidation {
		t.Fatalf("expected validation error for blank content, got %v", err)
	}
	if _, err := b.Create(ctx, "Allergic to nuts", "gossip", ""); xerrors.CodeOf(err) != memory.CodeMemoryValidation {
		t.Fatalf("expected validation error for unknown category, got %v", err)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	b := newBook(t)
	ctx := context.Background()
	m, err := b.Create(ctx, "Lives in Brno", "fact", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	content := " Lives in Prague "
	category := memory.CategoryContext
	if err := b.Update(ctx, m.ID, memory.Patch{Category: &category, Content: &content}); err != nil {
		t.Fatalf("update: %v", err)
	}
	list, _ := b.List(ctx, 10)
	if len(list) != 1 || list[0].Content != "Lives in Prague" || list[0].Category != memory.CategoryContext {
		t.Fatalf("unexpected memories after update %+v", list)
	}

	empty := memory.Category("")
	if err := b.Update(ctx, m.ID, memory.Patch{Category: &empty}); xerrors.CodeOf(err) != memory.CodeMemoryValidation {
		t.Fatalf("explicit empty category should be rejected, got %v", err)
	}
	if err := b.Update(ctx, "missing", memory.Patch{Content: &content}); xerrors.CodeOf(err) != memory.CodeMemoryNotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := b.Delete(ctx, m.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := b.Delete(ctx, m.ID); xerrors.CodeOf(err) != memory.CodeMemoryNotFound {
		t.Fatalf("second delete should report not found, got %v", err)
	}
}
