package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s, dir
}

func mustCreate(t *testing.T, s *Store, p CreateParams) Screenshot {
	t.Helper()
	if p.Image == nil {
		p.Image = []byte("fake-jpeg-bytes")
	}
	if p.MimeType == "" {
		p.MimeType = "image/jpeg"
	}
	if p.Source == "" {
		p.Source = SourceUser
	}
	rec, err := s.Create(p)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return rec
}

func TestCreateAssignsFields(t *testing.T) {
	s, _ := openTestStore(t)

	rec := mustCreate(t, s, CreateParams{
		Project: "alpha",
		Prompt:  "what is this",
		Context: &SourceContext{Branch: "main", Commit: "abc123def456"},
	})

	if rec.ID == "" {
		t.Error("expected non-empty id")
	}
	if rec.Status != StatusPending {
		t.Errorf("user screenshot status = %q, want pending", rec.Status)
	}
	if rec.DeliveredAt != nil {
		t.Error("pending screenshot should have nil DeliveredAt")
	}
	if rec.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestCreateRejectsPathLikeProjects(t *testing.T) {
	s, dir := openTestStore(t)

	// The project id is the on-disk partition name; anything that is not a
	// single path segment would land outside the root or where the startup
	// scan never looks.
	for _, project := range []string{"team/alpha", `team\alpha`, "../../escape", "..", "."} {
		_, err := s.Create(CreateParams{
			Project:  project,
			Image:    []byte("fake-jpeg-bytes"),
			MimeType: "image/jpeg",
			Source:   SourceUser,
		})
		if !errors.Is(err, ErrInvalidProject) {
			t.Errorf("Create(%q) err = %v, want ErrInvalidProject", project, err)
		}
	}

	// Nothing may have touched the disk: no stray project directories inside
	// the root, and nothing above it.
	entries, err := os.ReadDir(filepath.Join(dir, "screenshots"))
	if err != nil {
		t.Fatalf("reading store root: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("store root not empty after rejected creates: %v", entries)
	}
	parent, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading data dir: %v", err)
	}
	if len(parent) != 1 {
		t.Errorf("data dir gained entries beyond screenshots/: %v", parent)
	}
}

func TestCreateAgentStartsDelivered(t *testing.T) {
	s, _ := openTestStore(t)

	rec := mustCreate(t, s, CreateParams{Project: "alpha", Source: SourceAgent})

	if rec.Status != StatusDelivered {
		t.Errorf("agent screenshot status = %q, want delivered", rec.Status)
	}
	if rec.DeliveredAt == nil {
		t.Error("delivered screenshot must have DeliveredAt set")
	}
}

func TestRoundTripReload(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	rec, err := s1.Create(CreateParams{
		Project:     "alpha",
		Image:       []byte{0xff, 0xd8, 0x01, 0x02},
		MimeType:    "image/jpeg",
		Prompt:      "login page",
		Annotations: `[{"type":"arrow"}]`,
		Source:      SourceUser,
		Context:     &SourceContext{Branch: "main", Commit: "abc123"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Simulate restart.
	s2, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}

	got, err := s2.Get(rec.ID)
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if got.Project != rec.Project || got.Prompt != rec.Prompt || got.Annotations != rec.Annotations {
		t.Errorf("reloaded record differs: got %+v, want %+v", got, rec)
	}
	if string(got.Image) != string(rec.Image) {
		t.Error("reloaded image payload differs")
	}
	if got.Context == nil || got.Context.Commit != "abc123" {
		t.Errorf("reloaded context = %+v, want commit abc123", got.Context)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("reloaded CreatedAt = %v, want %v", got.CreatedAt, rec.CreatedAt)
	}
}

func TestGetNotFound(t *testing.T) {
	s, _ := openTestStore(t)
	if _, err := s.Get("nope"); err != ErrNotFound {
		t.Errorf("Get(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestProjectIsolation(t *testing.T) {
	s, _ := openTestStore(t)

	a := mustCreate(t, s, CreateParams{Project: "alpha"})
	mustCreate(t, s, CreateParams{Project: "beta"})
	mustCreate(t, s, CreateParams{Project: "beta"})

	listA := s.List("alpha", 0, 0)
	if len(listA) != 1 || listA[0].ID != a.ID {
		t.Fatalf("List(alpha) = %d records, want exactly the one alpha record", len(listA))
	}
	for _, m := range s.List("beta", 0, 0) {
		if m.ID == a.ID {
			t.Error("List(beta) must not contain alpha's record")
		}
	}

	n, err := s.Clear("alpha")
	if err != nil {
		t.Fatalf("Clear(alpha): %v", err)
	}
	if n != 1 {
		t.Errorf("Clear(alpha) removed %d, want 1", n)
	}
	if got := s.Count("beta", Query{}); got != 2 {
		t.Errorf("Clear(alpha) affected beta: count = %d, want 2", got)
	}
}

func TestListNewestFirstAndPagination(t *testing.T) {
	s, _ := openTestStore(t)

	var ids []string
	for i := 0; i < 5; i++ {
		rec := mustCreate(t, s, CreateParams{Project: "alpha"})
		ids = append(ids, rec.ID)
		time.Sleep(2 * time.Millisecond)
	}

	all := s.List("alpha", 0, 0)
	if len(all) != 5 {
		t.Fatalf("List returned %d records, want 5", len(all))
	}
	if all[0].ID != ids[4] || all[4].ID != ids[0] {
		t.Error("List must order newest first")
	}

	page := s.List("alpha", 2, 1)
	if len(page) != 2 {
		t.Fatalf("List(limit=2, offset=1) returned %d records, want 2", len(page))
	}
	if page[0].ID != ids[3] || page[1].ID != ids[2] {
		t.Errorf("unexpected page contents: %v", []string{page[0].ID, page[1].ID})
	}
	if got := s.Count("alpha", Query{}); got != 5 {
		t.Errorf("Count = %d, want 5 regardless of pagination", got)
	}

	if got := s.List("alpha", 2, 10); len(got) != 0 {
		t.Errorf("offset beyond end returned %d records, want 0", len(got))
	}
}

func TestListExcludesPayload(t *testing.T) {
	s, _ := openTestStore(t)
	mustCreate(t, s, CreateParams{Project: "alpha", Image: []byte("payload")})

	metas := s.List("alpha", 0, 0)
	if len(metas) != 1 {
		t.Fatalf("List returned %d records, want 1", len(metas))
	}
	if metas[0].ImageSize != len("payload") {
		t.Errorf("ImageSize = %d, want %d", metas[0].ImageSize, len("payload"))
	}

	// The projection type itself must not carry the payload.
	b, err := json.Marshal(metas[0])
	if err != nil {
		t.Fatalf("marshaling meta: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshaling meta: %v", err)
	}
	if _, ok := m["image"]; ok {
		t.Error("meta projection must not include the image payload")
	}
}

func TestListPendingOrderingAndAgentExclusion(t *testing.T) {
	s, _ := openTestStore(t)

	first := mustCreate(t, s, CreateParams{Project: "alpha"})
	time.Sleep(2 * time.Millisecond)
	mustCreate(t, s, CreateParams{Project: "alpha", Source: SourceAgent})
	time.Sleep(2 * time.Millisecond)
	second := mustCreate(t, s, CreateParams{Project: "alpha"})

	pending := s.ListPending("alpha")
	if len(pending) != 2 {
		t.Fatalf("ListPending returned %d records, want 2 (agent excluded)", len(pending))
	}
	if pending[0].ID != first.ID || pending[1].ID != second.ID {
		t.Error("ListPending must order oldest first")
	}

	if err := s.MarkDelivered(first.ID); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	pending = s.ListPending("alpha")
	if len(pending) != 1 || pending[0].ID != second.ID {
		t.Error("delivered screenshots must leave the pending list")
	}
}

func TestMarkDeliveredIdempotent(t *testing.T) {
	s, _ := openTestStore(t)
	rec := mustCreate(t, s, CreateParams{Project: "alpha"})

	if err := s.MarkDelivered(rec.ID); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	got, err := s.Get(rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusDelivered || got.DeliveredAt == nil {
		t.Fatalf("after MarkDelivered: status=%q deliveredAt=%v", got.Status, got.DeliveredAt)
	}
	firstDelivery := *got.DeliveredAt

	// Repeat calls keep the state and original timestamp.
	if err := s.MarkDelivered(rec.ID); err != nil {
		t.Fatalf("second MarkDelivered: %v", err)
	}
	got, _ = s.Get(rec.ID)
	if got.Status != StatusDelivered || !got.DeliveredAt.Equal(firstDelivery) {
		t.Error("repeated MarkDelivered must not change state or timestamp")
	}

	// Unknown ids are a no-op, not an error.
	if err := s.MarkDelivered("nope"); err != nil {
		t.Errorf("MarkDelivered(unknown) = %v, want nil", err)
	}
}

func TestSetDescription(t *testing.T) {
	s, _ := openTestStore(t)
	rec := mustCreate(t, s, CreateParams{Project: "alpha"})

	ok, err := s.SetDescription(rec.ID, "a login form")
	if err != nil || !ok {
		t.Fatalf("SetDescription = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = s.SetDescription(rec.ID, "overwritten")
	if err != nil || !ok {
		t.Fatalf("second SetDescription = (%v, %v), want (true, nil)", ok, err)
	}
	got, _ := s.Get(rec.ID)
	if got.Description != "overwritten" {
		t.Errorf("description = %q, want overwritten", got.Description)
	}

	ok, err = s.SetDescription("nope", "x")
	if err != nil || ok {
		t.Errorf("SetDescription(unknown) = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestFilterConjunction(t *testing.T) {
	s, _ := openTestStore(t)

	one := mustCreate(t, s, CreateParams{Project: "alpha", Prompt: "login bug"})
	two := mustCreate(t, s, CreateParams{Project: "alpha", Prompt: "login fix"})
	mustCreate(t, s, CreateParams{Project: "alpha", Prompt: "dashboard"})

	got := s.Filter("alpha", Query{Text: "login"}, 0, 0)
	if len(got) != 2 {
		t.Fatalf("Filter(text=login) returned %d records, want 2", len(got))
	}
	found := map[string]bool{got[0].ID: true, got[1].ID: true}
	if !found[one.ID] || !found[two.ID] {
		t.Error("Filter(text=login) must return exactly the two login records")
	}

	// Case-insensitive substring, and matches description too.
	if _, err := s.SetDescription(one.ID, "The Dashboard View"); err != nil {
		t.Fatalf("SetDescription: %v", err)
	}
	got = s.Filter("alpha", Query{Text: "DASHBOARD"}, 0, 0)
	if len(got) != 2 {
		t.Errorf("case-insensitive text filter returned %d records, want 2", len(got))
	}
}

func TestFilterByContextAndStatus(t *testing.T) {
	s, _ := openTestStore(t)

	a := mustCreate(t, s, CreateParams{
		Project: "alpha",
		Context: &SourceContext{Branch: "main", Commit: "abc123def456789"},
	})
	mustCreate(t, s, CreateParams{
		Project: "alpha",
		Context: &SourceContext{Branch: "feature", Commit: "fff000"},
	})
	mustCreate(t, s, CreateParams{Project: "alpha"}) // no context

	if got := s.Filter("alpha", Query{Branch: "main"}, 0, 0); len(got) != 1 || got[0].ID != a.ID {
		t.Errorf("Filter(branch=main) = %d records, want the one main record", len(got))
	}
	// Abbreviated commit matches by prefix; full hash matches too.
	if got := s.Filter("alpha", Query{Commit: "abc123"}, 0, 0); len(got) != 1 {
		t.Errorf("Filter(commit prefix) = %d records, want 1", len(got))
	}
	if got := s.Filter("alpha", Query{Commit: "abc123def456789"}, 0, 0); len(got) != 1 {
		t.Errorf("Filter(full commit) = %d records, want 1", len(got))
	}
	if got := s.Filter("alpha", Query{Commit: "zzz"}, 0, 0); len(got) != 0 {
		t.Errorf("Filter(unknown commit) = %d records, want 0", len(got))
	}

	if err := s.MarkDelivered(a.ID); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if got := s.Filter("alpha", Query{Status: StatusPending}, 0, 0); len(got) != 2 {
		t.Errorf("Filter(status=pending) = %d records, want 2", len(got))
	}
	// Conjunction: branch AND status.
	if got := s.Filter("alpha", Query{Branch: "main", Status: StatusPending}, 0, 0); len(got) != 0 {
		t.Errorf("Filter(branch=main AND pending) = %d records, want 0", len(got))
	}
}

func TestFilterByTimeRange(t *testing.T) {
	s, _ := openTestStore(t)

	early := mustCreate(t, s, CreateParams{Project: "alpha"})
	time.Sleep(5 * time.Millisecond)
	cut := time.Now().UTC()
	time.Sleep(5 * time.Millisecond)
	late := mustCreate(t, s, CreateParams{Project: "alpha"})

	if got := s.Filter("alpha", Query{Since: cut}, 0, 0); len(got) != 1 || got[0].ID != late.ID {
		t.Errorf("Filter(since) = %d records, want the late record", len(got))
	}
	if got := s.Filter("alpha", Query{Until: cut}, 0, 0); len(got) != 1 || got[0].ID != early.ID {
		t.Errorf("Filter(until) = %d records, want the early record", len(got))
	}
}

func TestDelete(t *testing.T) {
	s, dir := openTestStore(t)
	rec := mustCreate(t, s, CreateParams{Project: "alpha"})

	path := filepath.Join(dir, "screenshots", "alpha", rec.ID+".json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected record file on disk: %v", err)
	}

	ok, err := s.Delete(rec.ID)
	if err != nil || !ok {
		t.Fatalf("Delete = (%v, %v), want (true, nil)", ok, err)
	}
	if _, err := s.Get(rec.ID); err != ErrNotFound {
		t.Error("deleted record still in memory")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("deleted record still on disk")
	}

	ok, err = s.Delete(rec.ID)
	if err != nil || ok {
		t.Errorf("second Delete = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestIsNewProject(t *testing.T) {
	s, _ := openTestStore(t)

	if !s.IsNewProject("alpha") {
		t.Error("unseen project must be new")
	}
	mustCreate(t, s, CreateParams{Project: "alpha"})
	if s.IsNewProject("alpha") {
		t.Error("project with a record must not be new")
	}

	// Clearing does not forget the project.
	if _, err := s.Clear("alpha"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if s.IsNewProject("alpha") {
		t.Error("cleared project must stay known")
	}
}

func TestListProjectsSorted(t *testing.T) {
	s, _ := openTestStore(t)
	for _, p := range []string{"zeta", "alpha", "mid"} {
		mustCreate(t, s, CreateParams{Project: p})
	}

	got := s.ListProjects()
	want := []string{"alpha", "mid", "zeta"}
	if len(got) != len(want) {
		t.Fatalf("ListProjects = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ListProjects = %v, want %v", got, want)
		}
	}
}

func TestLegacyMigration(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "screenshots")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	// A flat-layout record from before project partitioning.
	legacy := Screenshot{
		ID:        "legacy-1",
		Project:   "whatever",
		Image:     []byte("old"),
		MimeType:  "image/jpeg",
		Status:    StatusPending,
		Source:    SourceUser,
		CreatedAt: time.Now().UTC(),
	}
	data, _ := json.Marshal(legacy)
	flat := filepath.Join(root, "legacy-1.json")
	if err := os.WriteFile(flat, data, 0o644); err != nil {
		t.Fatalf("writing legacy file: %v", err)
	}

	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	got, err := s.Get("legacy-1")
	if err != nil {
		t.Fatalf("migrated record not loaded: %v", err)
	}
	if got.Project != DefaultProject {
		t.Errorf("migrated project = %q, want %q", got.Project, DefaultProject)
	}
	if _, err := os.Stat(flat); !os.IsNotExist(err) {
		t.Error("flat-layout file must be removed after migration")
	}
	if _, err := os.Stat(filepath.Join(root, DefaultProject, "legacy-1.json")); err != nil {
		t.Errorf("migrated file missing from default partition: %v", err)
	}

	// Re-running startup is a no-op.
	s2, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	if _, err := s2.Get("legacy-1"); err != nil {
		t.Errorf("record lost after second startup: %v", err)
	}
	if got := s2.Count(DefaultProject, Query{}); got != 1 {
		t.Errorf("default project count = %d after re-migration, want 1", got)
	}
}

func TestMalformedFileSkipped(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "screenshots", "alpha")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "broken.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("writing broken file: %v", err)
	}

	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open must not fail on malformed files: %v", err)
	}
	if got := s.Count("alpha", Query{}); got != 0 {
		t.Errorf("malformed file produced %d records, want 0", got)
	}
}

func TestEventsEmitted(t *testing.T) {
	dir := t.TempDir()
	var events []Event
	s, err := Open(dir, func(ev Event) { events = append(events, ev) })
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	rec, err := s.Create(CreateParams{Project: "alpha", Image: []byte("x"), MimeType: "image/jpeg", Source: SourceUser})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(events) != 2 || events[0].Type != EventProjectCreated || events[1].Type != EventScreenshotAdded {
		t.Fatalf("after first create events = %+v, want project_created then screenshot_added", events)
	}

	events = nil
	if _, err := s.Create(CreateParams{Project: "alpha", Image: []byte("y"), MimeType: "image/jpeg", Source: SourceUser}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(events) != 1 || events[0].Type != EventScreenshotAdded {
		t.Errorf("project_created must fire only once per project, got %+v", events)
	}

	events = nil
	if err := s.MarkDelivered(rec.ID); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if ok, err := s.Delete(rec.ID); err != nil || !ok {
		t.Fatalf("Delete: (%v, %v)", ok, err)
	}
	if _, err := s.Clear("alpha"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	want := []string{EventScreenshotUpdated, EventScreenshotDeleted, EventProjectCleared}
	if len(events) != len(want) {
		t.Fatalf("events = %+v, want types %v", events, want)
	}
	for i, typ := range want {
		if events[i].Type != typ {
			t.Errorf("event %d type = %q, want %q", i, events[i].Type, typ)
		}
	}
}
