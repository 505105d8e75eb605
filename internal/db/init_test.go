package db_test

import (
	"strings"
	"testing"

	"github.com/atinyakov/gatekiosk/internal/db"
	"github.com/atinyakov/gatekiosk/internal/models"
)

func TestInitPostgres_ErrorPaths(t *testing.T) {
	cases := []struct {
		name       string
		dsn        string
		wantSubstr string
	}{
		{"invalid DSN", "some=random", "ping postgres"},
		{"empty DSN", "", "ping postgres"},
		{"unreachable host", "host=127.0.0.1 port=1 sslmode=disable connect_timeout=1", "ping postgres"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := db.InitPostgres(tc.dsn)
			if err == nil {
				t.Fatalf("InitPostgres(%q) did not return error", tc.dsn)
			}
			if !strings.Contains(err.Error(), tc.wantSubstr) {
				t.Errorf("InitPostgres(%q) error = %q; want substring %q", tc.dsn, err.Error(), tc.wantSubstr)
			}
		})
	}
}

func TestSchemaStatusValues(t *testing.T) {
	for _, s := range []models.TicketStatus{models.StatusBooked, models.StatusCheckedIn, models.StatusCancelled} {
		if !strings.Contains(db.Schema, "'"+s.String()+"'") {
			t.Errorf("schema does not allow status %q", s)
		}
	}
}

func TestSchemaConstraints(t *testing.T) {
	for _, want := range []string{
		"passport_number TEXT NOT NULL UNIQUE",
		"ticket_number TEXT NOT NULL UNIQUE",
		"REFERENCES passengers(id) ON DELETE CASCADE",
		"(status = 'checked_in') = (checked_in_at IS NOT NULL)",
		"WHERE status = 'checked_in'",
	} {
		if !strings.Contains(db.Schema, want) {
			t.Errorf("schema is missing %q", want)
		}
	}
}
