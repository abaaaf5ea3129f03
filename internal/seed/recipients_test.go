package seed

import (
	"context"
	"testing"

	"engagesync/internal/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecipients(t *testing.T) {
	t.Parallel()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	ctx := context.Background()

	created, err := Recipients(ctx, db, Options{NumRecipients: 5, Reserved: []string{"demo-user"}, Seed: 42})
	require.NoError(t, err)
	assert.Equal(t, 6, created)

	var reserved database.Recipient
	require.NoError(t, db.First(&reserved, "id = ?", "demo-user").Error)
	assert.NotEmpty(t, reserved.Name)

	// A second run keeps the existing rows.
	created, err = Recipients(ctx, db, Options{NumRecipients: 5, Reserved: []string{"demo-user"}, Seed: 7})
	require.NoError(t, err)
	assert.Zero(t, created)

	var total int64
	require.NoError(t, db.Model(&database.Recipient{}).Count(&total).Error)
	assert.Equal(t, int64(6), total)
}
