package pipeline

import (
	"testing"

	"github.com/google/uuid"

	"github.com/propertyreel/backend/internal/joberr"
	"github.com/propertyreel/backend/internal/types"
)

func photoRow(order int, clipURL string) *types.Photo {
	return &types.Photo{
		ID:              uuid.New(),
		ListingID:       uuid.New(),
		Order:           order,
		RunwayVideoPath: clipURL,
	}
}

func TestMotionVectorPreservesOrder(t *testing.T) {
	photos := []*types.Photo{
		photoRow(0, "url0"),
		photoRow(1, "url1"),
		photoRow(2, "url2"),
	}
	clips, err := motionVector(photos)
	if err != nil {
		t.Fatalf("motionVector: %v", err)
	}
	for i, want := range []string{"url0", "url1", "url2"} {
		if clips[i] != want {
			t.Fatalf("clip %d = %q, want %q", i, clips[i], want)
		}
	}
}

func TestMotionVectorRejectsGaps(t *testing.T) {
	photos := []*types.Photo{
		photoRow(0, "url0"),
		photoRow(1, ""),
		photoRow(2, "url2"),
	}
	_, err := motionVector(photos)
	if err == nil {
		t.Fatal("expected a gap error")
	}
	if kind := joberr.KindOf(err); kind != joberr.KindMotionMissing {
		t.Fatalf("expected MOTION_MISSING, got %s", kind)
	}
}

func TestMotionVectorRejectsEmpty(t *testing.T) {
	if _, err := motionVector(nil); joberr.KindOf(err) != joberr.KindInputInvalid {
		t.Fatalf("expected INPUT_INVALID, got %v", err)
	}
}

func TestPickPrimaryPrefersRequested(t *testing.T) {
	results := []types.ProcessedTemplate{
		{Key: "crescendo", OutputPath: "url-c"},
		{Key: "storyteller", OutputPath: "url-s"},
	}
	if got := pickPrimary("storyteller", results); got != "url-s" {
		t.Fatalf("expected the requested template, got %q", got)
	}
	if got := pickPrimary("hyperpop", results); got != "url-c" {
		t.Fatalf("expected fallback to first success, got %q", got)
	}
}

func TestRequestedTemplates(t *testing.T) {
	in := Input{Template: "wave"}
	if got := requestedTemplates(in); len(got) != 1 || got[0] != "wave" {
		t.Fatalf("expected [wave], got %v", got)
	}
	in.Templates = []string{"wave", "crescendo"}
	if got := requestedTemplates(in); len(got) != 2 {
		t.Fatalf("expected the explicit set, got %v", got)
	}
	if got := requestedTemplates(Input{}); got != nil {
		t.Fatalf("expected nil for no templates, got %v", got)
	}
}

func TestKindOfClassification(t *testing.T) {
	err := joberr.Ef(joberr.KindNoTemplateSucceeded, "pipeline.template", "boom")
	if kind := joberr.KindOf(err); kind != joberr.KindNoTemplateSucceeded {
		t.Fatalf("expected NO_TEMPLATE_SUCCEEDED, got %s", kind)
	}
}
