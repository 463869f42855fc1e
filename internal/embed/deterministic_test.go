package embed

import (
	"context"
	"math"
	"reflect"
	"testing"
)

func detVec(t *testing.T, text string) []float32 {
	t.Helper()
	vecs, err := Deterministic{}.Embed(context.Background(), []string{text})
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}
	return vecs[0]
}

func TestDeterministicStable(t *testing.T) {
	a := detVec(t, "mri brain scan")
	b := detVec(t, "mri brain scan")
	if !reflect.DeepEqual(a, b) {
		t.Error("same text produced different vectors")
	}
}

func TestDeterministicUnitLength(t *testing.T) {
	for _, text := range []string{"consultation", "mri brain scan", ""} {
		v := detVec(t, text)
		if norm := Dot(v, v); math.Abs(norm-1) > 1e-5 {
			t.Errorf("vector for %q has squared norm %v", text, norm)
		}
	}
}

func TestDeterministicIdenticalTextsScoreOne(t *testing.T) {
	sim := Dot(detVec(t, "xray chest"), detVec(t, "xray chest"))
	if math.Abs(sim-1) > 1e-5 {
		t.Errorf("identical texts scored %v", sim)
	}
}

func TestDeterministicSharedTokensRaiseSimilarity(t *testing.T) {
	query := detVec(t, "mri brain")
	near := Dot(query, detVec(t, "mri brain scan"))
	far := Dot(query, detVec(t, "blood test"))
	if near <= far {
		t.Errorf("overlapping text scored %v, disjoint %v", near, far)
	}
	if near < 0.85 {
		t.Errorf("two shared tokens of three scored only %v", near)
	}
	if far >= 0.50 {
		t.Errorf("disjoint texts scored %v, want below 0.50", far)
	}
}

func TestDeterministicBatchOrder(t *testing.T) {
	texts := []string{"consultation", "mri brain", "blood test"}
	vecs, err := Deterministic{}.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vecs))
	}
	for i, text := range texts {
		if !reflect.DeepEqual(vecs[i], detVec(t, text)) {
			t.Errorf("vector %d does not match single embedding of %q", i, text)
		}
	}
}
