package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultProject receives legacy flat-layout screenshots during migration and
// uploads that name no project.
const DefaultProject = "default"

// Store is an in-memory table of screenshots partitioned by project, mirrored
// write-through to one JSON file per record under <root>/<project>/<id>.json.
// A record is not considered created until its file is on disk.
type Store struct {
	mu       sync.Mutex
	root     string
	records  map[string]*Screenshot
	projects map[string]bool
	notify   func(Event)
	logger   *slog.Logger
}

// CreateParams carries the caller-supplied fields for Create.
type CreateParams struct {
	Project     string
	Image       []byte
	MimeType    string
	Prompt      string
	Annotations string
	Source      Source
	Context     *SourceContext
}

// Query filters screenshots; zero-value fields are ignored and the populated
// ones combine with AND. Text matches as a case-insensitive substring against
// prompt and description. Commit matches the full hash or any prefix of it.
type Query struct {
	Branch string
	Commit string
	Since  time.Time
	Until  time.Time
	Status Status
	Text   string
}

// Open loads (or creates) the screenshot store rooted at dataDir/screenshots
// and migrates any legacy flat-layout files into the default project. notify
// may be nil; when set it receives lifecycle events after each mutation.
func Open(dataDir string, notify func(Event)) (*Store, error) {
	root := filepath.Join(dataDir, "screenshots")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating screenshot directory: %w", err)
	}

	s := &Store{
		root:     root,
		records:  make(map[string]*Screenshot),
		projects: make(map[string]bool),
		notify:   notify,
		logger:   slog.Default(),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) emit(ev Event) {
	if s.notify != nil {
		s.notify(ev)
	}
}

// IsNewProject reports whether no screenshot has ever been stored under
// project. The store emits project_created itself on the first Create, so
// callers only need this for pre-insertion checks of their own.
func (s *Store) IsNewProject(project string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.projects[project]
}

// Create normalizes nothing; it stores the supplied payload as-is, assigns an
// id and timestamps, persists to disk, and registers the project. The initial
// status is delivered for agent-sourced screenshots and pending otherwise.
func (s *Store) Create(p CreateParams) (Screenshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Project == "" {
		p.Project = DefaultProject
	}
	if !validProjectID(p.Project) {
		return Screenshot{}, fmt.Errorf("%w: %q", ErrInvalidProject, p.Project)
	}

	now := time.Now().UTC()
	rec := &Screenshot{
		ID:          uuid.New().String(),
		Project:     p.Project,
		Prompt:      p.Prompt,
		Annotations: p.Annotations,
		Image:       p.Image,
		MimeType:    p.MimeType,
		Source:      p.Source,
		Status:      StatusPending,
		CreatedAt:   now,
		Context:     p.Context,
	}
	if p.Source == SourceAgent {
		rec.Status = StatusDelivered
		rec.DeliveredAt = &now
	}

	if err := s.persist(rec); err != nil {
		return Screenshot{}, err
	}

	newProject := !s.projects[rec.Project]
	s.records[rec.ID] = rec
	s.projects[rec.Project] = true

	if newProject {
		s.emit(Event{Type: EventProjectCreated, Project: rec.Project})
	}
	s.emit(Event{Type: EventScreenshotAdded, Project: rec.Project, ID: rec.ID})
	return *rec, nil
}

// Get returns the full screenshot, payload included, or ErrNotFound.
func (s *Store) Get(id string) (Screenshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return Screenshot{}, ErrNotFound
	}
	return *rec, nil
}

// List returns the payload-free projection of a project's screenshots, newest
// first. limit <= 0 means no pagination.
func (s *Store) List(project string, limit, offset int) []Meta {
	return s.Filter(project, Query{}, limit, offset)
}

// Filter returns the projection of the project's screenshots matching q,
// newest first, paginated when limit > 0.
func (s *Store) Filter(project string, q Query, limit, offset int) []Meta {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := s.matchLocked(project, q)
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if offset > 0 {
		if offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[offset:]
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	metas := make([]Meta, len(matched))
	for i, rec := range matched {
		metas[i] = rec.Meta()
	}
	return metas
}

// Count returns how many of the project's screenshots match q, ignoring
// pagination. It applies the same filter as Filter.
func (s *Store) Count(project string, q Query) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.matchLocked(project, q))
}

func (s *Store) matchLocked(project string, q Query) []*Screenshot {
	var matched []*Screenshot
	for _, rec := range s.records {
		if rec.Project != project {
			continue
		}
		if !matches(rec, q) {
			continue
		}
		matched = append(matched, rec)
	}
	return matched
}

func matches(rec *Screenshot, q Query) bool {
	if q.Branch != "" && (rec.Context == nil || rec.Context.Branch != q.Branch) {
		return false
	}
	if q.Commit != "" && (rec.Context == nil || !strings.HasPrefix(rec.Context.Commit, q.Commit)) {
		return false
	}
	if !q.Since.IsZero() && rec.CreatedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && rec.CreatedAt.After(q.Until) {
		return false
	}
	if q.Status != "" && rec.Status != q.Status {
		return false
	}
	if q.Text != "" {
		needle := strings.ToLower(q.Text)
		if !strings.Contains(strings.ToLower(rec.Prompt), needle) &&
			!strings.Contains(strings.ToLower(rec.Description), needle) {
			return false
		}
	}
	return true
}

// ListPending returns the project's user-sourced pending screenshots, oldest
// first, payload included. Agent-sourced screenshots never await delivery and
// are excluded.
func (s *Store) ListPending(project string) []Screenshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []Screenshot
	for _, rec := range s.records {
		if rec.Project != project || rec.Status != StatusPending || rec.Source != SourceUser {
			continue
		}
		pending = append(pending, *rec)
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending
}

// MarkDelivered transitions a screenshot to delivered and persists. Unknown
// ids are a no-op; repeated calls are idempotent.
func (s *Store) MarkDelivered(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil
	}
	if rec.Status == StatusDelivered {
		return nil
	}

	now := time.Now().UTC()
	prev := *rec
	rec.Status = StatusDelivered
	rec.DeliveredAt = &now
	if err := s.persist(rec); err != nil {
		*rec = prev
		return err
	}

	s.emit(Event{Type: EventScreenshotUpdated, Project: rec.Project, ID: rec.ID})
	return nil
}

// SetDescription overwrites the cached description and persists. Returns
// false when the id is unknown.
func (s *Store) SetDescription(id, text string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return false, nil
	}

	prev := rec.Description
	rec.Description = text
	if err := s.persist(rec); err != nil {
		rec.Description = prev
		return false, err
	}

	s.emit(Event{Type: EventScreenshotUpdated, Project: rec.Project, ID: rec.ID})
	return true, nil
}

// Delete removes a screenshot from memory and disk. Returns false when the id
// is unknown.
func (s *Store) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return false, nil
	}

	if err := os.Remove(s.path(rec.Project, rec.ID)); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("removing screenshot file: %w", err)
	}
	delete(s.records, id)

	s.emit(Event{Type: EventScreenshotDeleted, Project: rec.Project, ID: rec.ID})
	return true, nil
}

// Clear removes every screenshot belonging to project and returns the count
// removed. The project stays known so the one-shot creation signal does not
// fire again.
func (s *Store) Clear(project string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int
	for id, rec := range s.records {
		if rec.Project != project {
			continue
		}
		if err := os.Remove(s.path(rec.Project, rec.ID)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("removing screenshot file: %w", err)
		}
		delete(s.records, id)
		removed++
	}

	if removed > 0 {
		s.emit(Event{Type: EventProjectCleared, Project: project})
	}
	return removed, nil
}

// ListProjects returns every known project id in sorted order.
func (s *Store) ListProjects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	projects := make([]string, 0, len(s.projects))
	for p := range s.projects {
		projects = append(projects, p)
	}
	sort.Strings(projects)
	return projects
}

func (s *Store) path(project, id string) string {
	return filepath.Join(s.root, project, id+".json")
}

// validProjectID reports whether project maps to exactly one directory under
// the store root. The id doubles as the on-disk partition name, so anything
// that is not a single clean path segment would either escape the root or be
// invisible to the startup scan.
func validProjectID(project string) bool {
	if project == "" || project == "." || project == ".." {
		return false
	}
	if strings.ContainsAny(project, `/\`) {
		return false
	}
	return filepath.Clean(project) == project
}

// persist writes the record to a temp file and renames it into place so a
// crash mid-write never leaves a truncated record behind.
func (s *Store) persist(rec *Screenshot) error {
	dir := filepath.Join(s.root, rec.Project)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating project directory: %w", err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding screenshot %s: %w", rec.ID, err)
	}

	tmp := filepath.Join(dir, rec.ID+".json.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing screenshot %s: %w", rec.ID, err)
	}
	if err := os.Rename(tmp, s.path(rec.Project, rec.ID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing screenshot %s: %w", rec.ID, err)
	}
	return nil
}

// load migrates any legacy flat-layout files into the default project, then
// scans every project directory into memory. Malformed files are logged and
// skipped; they never abort startup.
func (s *Store) load() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("reading screenshot directory: %w", err)
	}

	// Legacy layout kept records directly under the root with no project
	// partitioning. Move each into default/, rewriting its project tag, and
	// remove the flat file only after the rewrite lands.
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		flat := filepath.Join(s.root, entry.Name())
		rec, err := readRecord(flat)
		if err != nil {
			s.logger.Warn("skipping malformed legacy screenshot file", "path", flat, "error", err)
			continue
		}
		rec.Project = DefaultProject
		if err := s.persist(rec); err != nil {
			return fmt.Errorf("migrating legacy screenshot %s: %w", rec.ID, err)
		}
		if err := os.Remove(flat); err != nil {
			return fmt.Errorf("removing migrated file %s: %w", flat, err)
		}
		s.logger.Info("migrated legacy screenshot", "id", rec.ID)
	}

	entries, err = os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("rereading screenshot directory: %w", err)
	}

	var skipped int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		project := entry.Name()
		files, err := os.ReadDir(filepath.Join(s.root, project))
		if err != nil {
			return fmt.Errorf("reading project directory %s: %w", project, err)
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			path := filepath.Join(s.root, project, f.Name())
			rec, err := readRecord(path)
			if err != nil {
				skipped++
				s.logger.Warn("skipping malformed screenshot file", "path", path, "error", err)
				continue
			}
			rec.Project = project
			s.records[rec.ID] = rec
			s.projects[project] = true
		}
	}

	if skipped > 0 {
		s.logger.Warn("some screenshot files could not be loaded", "skipped", skipped)
	}
	s.logger.Info("screenshot store loaded", "screenshots", len(s.records), "projects", len(s.projects))
	return nil
}

func readRecord(path string) (*Screenshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Screenshot
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("missing id")
	}
	return &rec, nil
}
