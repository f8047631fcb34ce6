package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/labstack/echo/v4"

	"anima/internal/artifacts"
)

func newArtifactsHandler(t *testing.T) *ArtifactsHandler {
	t.Helper()
	st := newTestStore(t)
	mgr, err := artifacts.NewManager(filepath.Join(t.TempDir(), "artifacts"), st)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return &ArtifactsHandler{Artifacts: mgr}
}

func TestUploadListGetRoundtrip(t *testing.T) {
	h := newArtifactsHandler(t)

	ctx, rec := authContext(t, http.MethodPost, "/", `{"filename":"notes.txt","content":"hello world"}`)
	ctx.Set("user_id", "u1")
	if err := h.upload(ctx); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var created ArtifactResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil || created.ID == "" {
		t.Fatalf("upload response: %v %s", err, rec.Body.String())
	}

	ctx, rec = authContext(t, http.MethodGet, "/", "")
	ctx.Set("user_id", "u1")
	if err := h.list(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	var listed []ArtifactResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != created.ID || listed[0].Content != "" {
		t.Fatalf("unexpected listing: %+v", listed)
	}

	ctx, rec = authContext(t, http.MethodGet, "/"+created.ID, "")
	ctx.Set("user_id", "u1")
	ctx.SetParamNames("id")
	ctx.SetParamValues(created.ID)
	if err := h.get(ctx); err != nil {
		t.Fatalf("get: %v", err)
	}
	var fetched ArtifactResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &fetched); err != nil {
		t.Fatalf("unmarshal get: %v", err)
	}
	if fetched.Content != "hello world" {
		t.Fatalf("content = %q", fetched.Content)
	}

	// Another user cannot fetch it, and unknown ids look the same.
	ctx, _ = authContext(t, http.MethodGet, "/"+created.ID, "")
	ctx.Set("user_id", "u2")
	ctx.SetParamNames("id")
	ctx.SetParamValues(created.ID)
	err := h.get(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Fatalf("cross-user get: expected 404, got %v", err)
	}

	ctx, _ = authContext(t, http.MethodGet, "/nope", "")
	ctx.Set("user_id", "u1")
	ctx.SetParamNames("id")
	ctx.SetParamValues("nope")
	err = h.get(ctx)
	he, ok = err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Fatalf("unknown id: expected 404, got %v", err)
	}
}

func TestUploadValidation(t *testing.T) {
	h := newArtifactsHandler(t)
	for name, body := range map[string]string{
		"blank filename": `{"filename":"  ","content":"x"}`,
		"blank content":  `{"filename":"notes.txt","content":""}`,
	} {
		ctx, _ := authContext(t, http.MethodPost, "/", body)
		ctx.Set("user_id", "u1")
		err := h.upload(ctx)
		he, ok := err.(*echo.HTTPError)
		if !ok || he.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %v", name, err)
		}
	}
}

func TestCategoriesCountsByTypeForUser(t *testing.T) {
	h := newArtifactsHandler(t)
	uploads := []struct{ user, filename string }{
		{"u1", "sales-chart.html"},
		{"u1", "revenue-chart.html"},
		{"u1", "notes.txt"},
		{"u2", "data-table.html"},
	}
	for _, up := range uploads {
		ctx, _ := authContext(t, http.MethodPost, "/", fmt.Sprintf(`{"filename":%q,"content":"body"}`, up.filename))
		ctx.Set("user_id", up.user)
		if err := h.upload(ctx); err != nil {
			t.Fatalf("upload %s: %v", up.filename, err)
		}
	}

	ctx, rec := authContext(t, http.MethodGet, "/categories", "")
	ctx.Set("user_id", "u1")
	if err := h.categories(ctx); err != nil {
		t.Fatalf("categories: %v", err)
	}
	var counts map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &counts); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if counts["chart"] != 2 || counts["visualization"] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
	if _, leaked := counts["table"]; leaked {
		t.Fatalf("u2 artifacts leaked into u1 counts: %v", counts)
	}
}

func TestRecentCapsAtFive(t *testing.T) {
	h := newArtifactsHandler(t)
	for i := 0; i < 6; i++ {
		ctx, _ := authContext(t, http.MethodPost, "/", fmt.Sprintf(`{"filename":"file-%d.txt","content":"body %d"}`, i, i))
		ctx.Set("user_id", "u1")
		if err := h.upload(ctx); err != nil {
			t.Fatalf("upload %d: %v", i, err)
		}
	}

	ctx, rec := authContext(t, http.MethodGet, "/recent", "")
	ctx.Set("user_id", "u1")
	if err := h.recent(ctx); err != nil {
		t.Fatalf("recent: %v", err)
	}
	var listed []ArtifactResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(listed) != 5 {
		t.Fatalf("recent returned %d artifacts, want 5", len(listed))
	}
}
