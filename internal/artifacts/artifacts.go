// Package artifacts extracts artifact blocks from model responses and
// persists them as files under a per-user directory, recording each one
// in the store.
package artifacts

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"anima/internal/store"
)

// Extracted is one artifact block parsed out of a model response.
type Extracted struct {
	Title   string `json:"title"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// tagPattern matches explicit artifact blocks emitted by the synthesis
// model, e.g. <ARTIFACT title="Sales Chart" type="chart">...</ARTIFACT>.
var tagPattern = regexp.MustCompile(`(?s)<ARTIFACT\s+title="([^"]+)"\s+type="([^"]+)">(.*?)</ARTIFACT>`)

// Extract returns every artifact block in the response. The response
// text itself is not modified; pair with Strip to remove the blocks
// before showing the text to the user.
func Extract(response string) []Extracted {
	matches := tagPattern.FindAllStringSubmatch(response, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]Extracted, 0, len(matches))
	for _, m := range matches {
		out = append(out, Extracted{
			Title:   m[1],
			Type:    m[2],
			Content: strings.TrimSpace(m[3]),
		})
	}
	return out
}

// blankRuns collapses the gaps left behind after removing artifact blocks.
var blankRuns = regexp.MustCompile(`\n{3,}`)

// Strip removes artifact blocks from the response, leaving only the
// conversational text. Raw artifact markup is never shown to the user;
// saved artifacts are referenced by name instead.
func Strip(response string) string {
	if !strings.Contains(response, "<ARTIFACT") {
		return response
	}
	stripped := tagPattern.ReplaceAllString(response, "")
	stripped = blankRuns.ReplaceAllString(stripped, "\n\n")
	return strings.TrimSpace(stripped)
}

// visualKeywords hint that an exchange should produce a visual artifact.
var visualKeywords = []string{
	"chart", "graph", "visualiz", "dashboard", "table", "plot",
	"report", "statistic", "weather", "diagram", "render",
}

// NeedsArtifacts reports whether the exchange calls for collecting
// artifacts from the workspace: either the response carries explicit
// blocks or the prompt and response talk about visual output.
func NeedsArtifacts(response, prompt string) bool {
	if strings.Contains(response, "<ARTIFACT") {
		return true
	}
	for _, text := range []string{prompt, response} {
		lower := strings.ToLower(text)
		for _, kw := range visualKeywords {
			if strings.Contains(lower, kw) {
				return true
			}
		}
	}
	return false
}

// allowedExts are the file extensions an artifact may carry on disk;
// anything else is forced to .html.
var allowedExts = map[string]struct{}{
	".html": {}, ".json": {}, ".txt": {}, ".css": {}, ".js": {}, ".patch": {},
}

// Manager writes artifact files and records them in the store.
type Manager struct {
	root   string
	store  *store.Store
	logger *log.Logger
}

// NewManager creates the root artifacts directory if needed.
func NewManager(root string, st *store.Store) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("artifacts: root directory is required")
	}
	if st == nil {
		return nil, fmt.Errorf("artifacts: store is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifacts directory: %w", err)
	}
	return &Manager{
		root:   root,
		store:  st,
		logger: log.New(log.Writer(), "[ARTIFACTS] ", log.LstdFlags),
	}, nil
}

// Save writes one extracted artifact under <root>/<userID>/ with a
// unique name derived from the title, then records it.
func (m *Manager) Save(ctx context.Context, userID, interactionID string, ex Extracted) (store.Artifact, error) {
	name := sanitizeName(ex.Title) + extFor(ex.Type)
	return m.save(ctx, userID, interactionID, ex.Title, ex.Type, name, []byte(ex.Content))
}

// SaveAll persists every artifact, logging and skipping failures so one
// bad block cannot drop the rest.
func (m *Manager) SaveAll(ctx context.Context, userID, interactionID string, exs []Extracted) []store.Artifact {
	var out []store.Artifact
	for _, ex := range exs {
		a, err := m.Save(ctx, userID, interactionID, ex)
		if err != nil {
			m.logger.Printf("artifact save failed for %q: %v", ex.Title, err)
			continue
		}
		out = append(out, a)
	}
	return out
}

// SaveUpload stores a client-provided file. The filename is flattened
// to its base name and forced onto the extension whitelist.
func (m *Manager) SaveUpload(ctx context.Context, userID, filename, content string) (store.Artifact, error) {
	filename = filepath.Base(filename)
	ext := strings.ToLower(filepath.Ext(filename))
	stem := strings.TrimSuffix(filename, filepath.Ext(filename))
	if _, ok := allowedExts[ext]; !ok {
		ext = ".html"
	}
	name := sanitizeName(stem) + ext
	return m.save(ctx, userID, "", stem, typeFor(filename), name, []byte(content))
}

func (m *Manager) save(ctx context.Context, userID, interactionID, title, artifactType, name string, content []byte) (store.Artifact, error) {
	if userID == "" {
		return store.Artifact{}, fmt.Errorf("artifact user id is required")
	}
	dir := filepath.Join(m.root, userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return store.Artifact{}, fmt.Errorf("creating user artifacts directory: %w", err)
	}
	id := uuid.NewString()
	path := filepath.Join(dir, id[:8]+"-"+name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return store.Artifact{}, fmt.Errorf("writing artifact file: %w", err)
	}
	a := store.Artifact{
		ID:            id,
		UserID:        userID,
		InteractionID: interactionID,
		Title:         title,
		Type:          artifactType,
		Path:          path,
		CreatedAt:     time.Now().UTC(),
	}
	if err := m.store.InsertArtifact(ctx, a); err != nil {
		// Keep disk and store consistent when the insert fails.
		os.Remove(path)
		return store.Artifact{}, fmt.Errorf("recording artifact: %w", err)
	}
	m.logger.Printf("artifact saved: %s (%s)", a.Title, filepath.Base(path))
	return a, nil
}

// Get returns the stored metadata and file contents for an artifact.
func (m *Manager) Get(ctx context.Context, id string) (store.Artifact, string, error) {
	a, err := m.store.ArtifactByID(ctx, id)
	if err != nil {
		return store.Artifact{}, "", err
	}
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return a, "", fmt.Errorf("reading artifact file: %w", err)
	}
	return a, string(data), nil
}

// List returns a user's artifacts, newest first.
func (m *Manager) List(ctx context.Context, userID string, limit int) ([]store.Artifact, error) {
	return m.store.ArtifactsByUser(ctx, userID, limit)
}

// Recent returns the five newest artifacts for a user.
func (m *Manager) Recent(ctx context.Context, userID string) ([]store.Artifact, error) {
	return m.store.ArtifactsByUser(ctx, userID, 5)
}

// Categories returns the artifact types a user has accumulated with a
// count per type.
func (m *Manager) Categories(ctx context.Context, userID string) (map[string]int64, error) {
	return m.store.ArtifactTypeCounts(ctx, userID)
}

// CollectLatest returns the newest artifact-typed file under dir. Only
// the single most recent file is considered; older ones were already
// collected by earlier turns.
func CollectLatest(dir string) (Extracted, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Extracted{}, false
	}
	var newest string
	var newestMod time.Time
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := allowedExts[strings.ToLower(filepath.Ext(e.Name()))]; !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = e.Name()
			newestMod = info.ModTime()
		}
	}
	if newest == "" {
		return Extracted{}, false
	}
	data, err := os.ReadFile(filepath.Join(dir, newest))
	if err != nil {
		return Extracted{}, false
	}
	return Extracted{Title: titleFor(newest), Type: typeFor(newest), Content: string(data)}, true
}

var typeKeywords = []struct{ keyword, artifactType string }{
	{"chart", "chart"},
	{"graph", "chart"},
	{"dashboard", "dashboard"},
	{"calculator", "interactive"},
	{"timer", "interactive"},
	{"color", "interactive"},
	{"weather", "weather"},
	{"table", "table"},
	{"gallery", "gallery"},
	{"video", "video"},
}

func typeFor(filename string) string {
	lower := strings.ToLower(filename)
	for _, tk := range typeKeywords {
		if strings.Contains(lower, tk.keyword) {
			return tk.artifactType
		}
	}
	return "visualization"
}

var titleKeywords = []struct{ keyword, title string }{
	{"chart", "Interactive Chart"},
	{"dashboard", "Data Dashboard"},
	{"calculator", "Calculator"},
	{"timer", "Timer"},
	{"color", "Color Picker"},
	{"weather", "Weather Data"},
	{"table", "Data Table"},
	{"gallery", "Image Gallery"},
	{"video", "Video Player"},
	{"data", "Data Visualization"},
}

func titleFor(filename string) string {
	lower := strings.ToLower(filename)
	for _, tk := range titleKeywords {
		if strings.Contains(lower, tk.keyword) {
			return tk.title
		}
	}
	return "Interactive Visualization"
}

// sanitizeName reduces a title to a safe filename stem.
func sanitizeName(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_' || r == '.':
			b.WriteRune('-')
		}
	}
	name := strings.Trim(b.String(), "-")
	for strings.Contains(name, "--") {
		name = strings.ReplaceAll(name, "--", "-")
	}
	if name == "" {
		name = "artifact"
	}
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}
