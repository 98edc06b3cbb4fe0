package cli

import (
	"os"
	"path/filepath"
	"testing"
)

func writeMeshJSON(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mesh.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadMeshAllowlistFiltersByGrade(t *testing.T) {
	path := writeMeshJSON(t, `[
		{"url":"https://a.example.com","grade":"A"},
		{"url":"https://b.example.com","grade":"B"},
		{"url":"https://c.example.com","grade":"D"},
		{"url":"https://f.example.com","grade":"F"}
	]`)

	allowed, err := loadMeshAllowlist(path, gradeRank["B"])
	if err != nil {
		t.Fatalf("loadMeshAllowlist: %v", err)
	}
	if _, ok := allowed["https://a.example.com"]; !ok {
		t.Fatalf("expected grade A endpoint allowed")
	}
	if _, ok := allowed["https://b.example.com"]; !ok {
		t.Fatalf("expected grade B endpoint allowed")
	}
	if _, ok := allowed["https://c.example.com"]; ok {
		t.Fatalf("expected grade D endpoint excluded")
	}
	if _, ok := allowed["https://f.example.com"]; ok {
		t.Fatalf("expected grade F endpoint excluded")
	}
	if len(allowed) != 2 {
		t.Fatalf("expected exactly 2 allowed endpoints, got %d", len(allowed))
	}
}

func TestLoadMeshAllowlistSkipsUnknownGrades(t *testing.T) {
	path := writeMeshJSON(t, `[{"url":"https://x.example.com","grade":"Z"}]`)
	allowed, err := loadMeshAllowlist(path, gradeRank["F"])
	if err != nil {
		t.Fatalf("loadMeshAllowlist: %v", err)
	}
	if len(allowed) != 0 {
		t.Fatalf("expected an unknown grade to be skipped, got %v", allowed)
	}
}

func TestLoadMeshAllowlistMissingFileErrors(t *testing.T) {
	_, err := loadMeshAllowlist(filepath.Join(t.TempDir(), "nope.json"), gradeRank["A"])
	if err == nil {
		t.Fatalf("expected an error for a missing mesh file")
	}
}

func TestGradeRankOrdering(t *testing.T) {
	if !(gradeRank["A"] < gradeRank["B"] && gradeRank["B"] < gradeRank["C"] &&
		gradeRank["C"] < gradeRank["D"] && gradeRank["D"] < gradeRank["F"]) {
		t.Fatalf("expected grade ranks to be strictly ordered A..F, got %v", gradeRank)
	}
}
