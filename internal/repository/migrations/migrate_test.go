package migrations

import (
	"strings"
	"testing"
)

func TestNamesAreSorted(t *testing.T) {
	names, err := Names()
	if err != nil {
		t.Fatalf("Names() error = %v", err)
	}
	if len(names) == 0 {
		t.Fatal("Names() returned no migrations")
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Errorf("migrations not sorted: %s before %s", names[i-1], names[i])
		}
	}
}

func TestInitMigrationDeclaresActivePropertyUniqueness(t *testing.T) {
	b, err := migrationFiles.ReadFile("001_init.sql")
	if err != nil {
		t.Fatalf("read 001_init.sql: %v", err)
	}
	sql := string(b)
	for _, want := range []string{
		"cart_items_active_property_uq",
		"WHERE status = 'active'",
		"commissions_reservation_type_uq",
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("001_init.sql does not contain %q", want)
		}
	}
}
