package capture

import "testing"

func TestClassifyInsert(t *testing.T) {
	cl := classify(`INSERT INTO users (name, email) VALUES (?, ?)`)
	if cl.kind != kindInsert || cl.table != "users" || cl.failed {
		t.Fatalf("got %+v", cl)
	}
}

func TestClassifyInsertOrReplaceIntoIsNotAFailure(t *testing.T) {
	for _, action := range []string{"REPLACE", "IGNORE", "ABORT", "FAIL", "ROLLBACK"} {
		cl := classify(`INSERT OR ` + action + ` INTO users (id, name) VALUES (?, ?)`)
		if cl.kind != kindInsert || cl.table != "users" || cl.failed {
			t.Fatalf("INSERT OR %s INTO: got %+v", action, cl)
		}
	}
}

func TestClassifyUpdate(t *testing.T) {
	cl := classify(`UPDATE users SET name = ? WHERE id = ?`)
	if cl.kind != kindUpdate || cl.table != "users" || cl.failed {
		t.Fatalf("got %+v", cl)
	}
}

func TestClassifyDelete(t *testing.T) {
	cl := classify(`DELETE FROM users WHERE id = ?`)
	if cl.kind != kindDelete || cl.table != "users" || cl.failed {
		t.Fatalf("got %+v", cl)
	}
}

func TestClassifyNonDMLIsOtherNotFailed(t *testing.T) {
	cl := classify(`CREATE TABLE users (id INTEGER PRIMARY KEY)`)
	if cl.kind != kindOther || cl.failed {
		t.Fatalf("got %+v, want kindOther with failed=false", cl)
	}
}

func TestClassifyUnparseableDMLIsFailed(t *testing.T) {
	// No table name follows the keyword at all: a genuine classification
	// failure, distinct from a statement that isn't DML.
	cl := classify(`INSERT`)
	if cl.kind != kindOther || !cl.failed {
		t.Fatalf("got %+v, want kindOther with failed=true", cl)
	}
}

func TestClassifyQuotedTableName(t *testing.T) {
	cl := classify("INSERT INTO `users` (id) VALUES (?)")
	if cl.table != "users" {
		t.Fatalf("got table %q", cl.table)
	}
}
