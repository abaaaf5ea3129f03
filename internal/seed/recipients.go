// Package seed provides database seeding utilities for development and testing.
package seed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"engagesync/internal/database"
	"engagesync/internal/observability"

	"github.com/brianvoe/gofakeit/v6"
	"gorm.io/gorm"
)

// Options configuration for the seeder
type Options struct {
	NumRecipients int
	// Reserved ids are always present as recipients, e.g. the demo users
	// engagectl signs in as.
	Reserved []string
	// Seed fixes the generator; zero uses the clock.
	Seed int64
}

// Recipients makes sure at least opts.NumRecipients share targets exist. It is
// a no-op when the table is already populated beyond that.
func Recipients(ctx context.Context, db *gorm.DB, opts Options) (int, error) {
	var existing int64
	if err := db.WithContext(ctx).Model(&database.Recipient{}).Count(&existing).Error; err != nil {
		return 0, fmt.Errorf("count recipients: %w", err)
	}

	seedValue := opts.Seed
	if seedValue == 0 {
		seedValue = time.Now().UnixNano()
	}
	faker := gofakeit.New(seedValue)

	rows := make([]database.Recipient, 0, len(opts.Reserved)+opts.NumRecipients)
	for _, id := range opts.Reserved {
		rows = append(rows, database.Recipient{ID: id, Name: faker.Name()})
	}
	for i := int(existing); i < opts.NumRecipients; i++ {
		rows = append(rows, database.Recipient{
			ID:   faker.UUID(),
			Name: faker.Name(),
		})
	}
	if len(rows) == 0 {
		return 0, nil
	}

	// Reserved ids may already exist from an earlier run.
	var created int
	for _, r := range rows {
		res := db.WithContext(ctx).Where(database.Recipient{ID: r.ID}).FirstOrCreate(&r)
		if res.Error != nil {
			return created, fmt.Errorf("create recipient %s: %w", r.ID, res.Error)
		}
		created += int(res.RowsAffected)
	}

	observability.GlobalLogger.Info("Seeded share recipients",
		slog.Int("created", created),
		slog.Int64("existing", existing))
	return created, nil
}
