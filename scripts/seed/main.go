// Seeds a local database with a demo tenant, channel routing, two weeks
// of bookable slots and a few FAQ entries. Development only.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vocalys/rdv-platform/internal/tenancy"
)

func main() {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()

	store := tenancy.NewPGStore(db)
	tenant, err := store.Create(ctx, &tenancy.Tenant{
		Name:     "Cabinet Dr Martin",
		Timezone: "Europe/Paris",
		Config: tenancy.Config{
			BusinessName:     "Cabinet Dr Martin",
			CalendarProvider: tenancy.CalendarInternal,
		},
	})
	if err != nil {
		log.Fatalf("create tenant: %v", err)
	}

	routes := tenancy.NewPGRouteStore(db)
	for channel, key := range map[string]string{
		"voice":    "+33123456789",
		"whatsapp": "+33123456789",
	} {
		if err := routes.PutRoute(ctx, channel, key, tenant.ID); err != nil {
			log.Fatalf("route %s: %v", channel, err)
		}
	}

	if err := seedSlots(ctx, db, tenant.ID); err != nil {
		log.Fatalf("seed slots: %v", err)
	}
	if err := seedFAQ(ctx, db, tenant.ID); err != nil {
		log.Fatalf("seed faq: %v", err)
	}

	fmt.Printf("seeded tenant %d\n", tenant.ID)
}

// seedSlots creates 30-minute morning and afternoon slots on weekdays
// for the next 14 days.
func seedSlots(ctx context.Context, db *sql.DB, tenantID int64) error {
	loc, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		return err
	}
	now := time.Now().In(loc)
	for d := 1; d <= 14; d++ {
		day := now.AddDate(0, 0, d)
		if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
			continue
		}
		for _, hour := range []int{9, 10, 11, 14, 15, 16} {
			start := time.Date(day.Year(), day.Month(), day.Day(), hour, 0, 0, 0, loc)
			_, err := db.ExecContext(ctx, `
				INSERT INTO slots (id, tenant_id, start_at, end_at, booked)
				VALUES ($1, $2, $3, $4, FALSE)
			`, uuid.NewString(), tenantID, start, start.Add(30*time.Minute))
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func seedFAQ(ctx context.Context, db *sql.DB, tenantID int64) error {
	entries := []struct{ keywords, answer string }{
		{"horaires,ouvert,ouverture", "Le cabinet est ouvert du lundi au vendredi, de 9h à 17h."},
		{"adresse,où,situé", "Le cabinet se trouve au 12 rue de la République, 69002 Lyon."},
		{"tarif,prix,combien,carte vitale", "La consultation est au tarif conventionné secteur 1, carte vitale acceptée."},
		{"parking,garer", "Un parking public se trouve à 50 mètres du cabinet."},
	}
	for _, e := range entries {
		_, err := db.ExecContext(ctx, `
			INSERT INTO faq_entries (tenant_id, keywords, answer)
			VALUES ($1, $2, $3)
		`, tenantID, e.keywords, e.answer)
		if err != nil {
			return err
		}
	}
	return nil
}
