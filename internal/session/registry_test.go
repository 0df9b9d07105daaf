package session

import "testing"

func TestOpenCloseCounts(t *testing.T) {
	r := NewRegistry()

	s1 := r.Open("alpha")
	s2 := r.Open("alpha")
	s3 := r.Open("beta")

	if s1 == s2 || s2 == s3 {
		t.Fatal("session ids must be unique")
	}

	counts := r.CountsByProject()
	if counts["alpha"] != 2 || counts["beta"] != 1 {
		t.Errorf("counts = %v, want alpha:2 beta:1", counts)
	}

	r.Close(s1)
	counts = r.CountsByProject()
	if counts["alpha"] != 1 {
		t.Errorf("after close, alpha count = %d, want 1", counts["alpha"])
	}

	// Closing twice or closing an unknown id is harmless.
	r.Close(s1)
	r.Close("nope")
}

func TestProjectBindingImmutable(t *testing.T) {
	r := NewRegistry()
	id := r.Open("alpha")

	p, ok := r.Project(id)
	if !ok || p != "alpha" {
		t.Fatalf("Project = (%q, %v), want (alpha, true)", p, ok)
	}

	// There is no rebind operation; a second Open is a new session.
	id2 := r.Open("beta")
	if p, _ := r.Project(id); p != "alpha" {
		t.Error("existing session's project changed")
	}
	if p, _ := r.Project(id2); p != "beta" {
		t.Error("new session bound to wrong project")
	}

	r.Close(id)
	if _, ok := r.Project(id); ok {
		t.Error("closed session still resolvable")
	}
}
