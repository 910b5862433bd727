package services

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func TestIdempotencyResolver_Resolve(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	resolver := NewIdempotencyResolver(db)

	t.Run("resolves by first matching alias", func(t *testing.T) {
		mock.ExpectQuery("WHERE external_reference = \\$1 OR gateway_reference = \\$1 OR request_id = \\$1").
			WithArgs("FND-abc").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("entry1"))

		entryID, err := resolver.Resolve(context.Background(), "FND-abc", "MNFY-123")
		assert.NoError(t, err)
		assert.Equal(t, "entry1", entryID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("falls through to the next alias", func(t *testing.T) {
		mock.ExpectQuery("WHERE external_reference = \\$1 OR gateway_reference = \\$1 OR request_id = \\$1").
			WithArgs("unknown-ref").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectQuery("WHERE external_reference = \\$1 OR gateway_reference = \\$1 OR request_id = \\$1").
			WithArgs("MNFY-123").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("entry2"))

		entryID, err := resolver.Resolve(context.Background(), "unknown-ref", "MNFY-123")
		assert.NoError(t, err)
		assert.Equal(t, "entry2", entryID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty aliases are skipped", func(t *testing.T) {
		mock.ExpectQuery("WHERE external_reference = \\$1 OR gateway_reference = \\$1 OR request_id = \\$1").
			WithArgs("only-ref").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("entry3"))

		entryID, err := resolver.Resolve(context.Background(), "", "only-ref")
		assert.NoError(t, err)
		assert.Equal(t, "entry3", entryID)
	})

	t.Run("nothing matches", func(t *testing.T) {
		mock.ExpectQuery("WHERE external_reference = \\$1 OR gateway_reference = \\$1 OR request_id = \\$1").
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := resolver.Resolve(context.Background(), "ghost")
		assert.ErrorIs(t, err, ErrEntryNotFound)
	})
}
