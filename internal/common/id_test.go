package common

import (
	"strings"
	"testing"
)

func TestJobIDDeterministic(t *testing.T) {
	a := JobID("import", map[string]interface{}{"path": "/data", "n": 3})
	b := JobID("import", map[string]interface{}{"n": 3, "path": "/data"})
	if a != b {
		t.Fatalf("key order changed the ID: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "job_") || len(a) != len("job_")+32 {
		t.Fatalf("unexpected ID shape: %s", a)
	}
}

func TestJobIDDistinguishesTypeAndParams(t *testing.T) {
	base := JobID("import", map[string]interface{}{"n": 1})
	if JobID("export", map[string]interface{}{"n": 1}) == base {
		t.Fatal("different job types must produce different IDs")
	}
	if JobID("import", map[string]interface{}{"n": 2}) == base {
		t.Fatal("different parameters must produce different IDs")
	}
}

func TestJobIDNilAndEmptyParamsEqual(t *testing.T) {
	if JobID("import", nil) != JobID("import", map[string]interface{}{}) {
		t.Fatal("nil and empty parameters must normalize identically")
	}
}

func TestTaskIDDeterministic(t *testing.T) {
	a := TaskID("job_abc", 2, "file-7")
	b := TaskID("job_abc", 2, "file-7")
	if a != b {
		t.Fatal("same inputs must produce the same task ID")
	}
	if !strings.HasPrefix(a, "task_") {
		t.Fatalf("unexpected ID shape: %s", a)
	}

	if TaskID("job_abc", 3, "file-7") == a {
		t.Fatal("stage must be part of the identity")
	}
	if TaskID("job_abc", 2, "file-8") == a {
		t.Fatal("key must be part of the identity")
	}
	if TaskID("job_xyz", 2, "file-7") == a {
		t.Fatal("job must be part of the identity")
	}
}
