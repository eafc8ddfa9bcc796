package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdsense/crowdsense-backend/internal/models"
	"github.com/crowdsense/crowdsense-backend/migrations"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(":memory:")
	require.NoError(t, err)
	require.NoError(t, repo.RunMigrations(migrations.FS))
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func makeAlert(disasterType, location string, status models.AlertStatus, createdAt time.Time) *models.Alert {
	return &models.Alert{
		ID:           uuid.New().String(),
		DisasterType: disasterType,
		Location:     location,
		Severity:     "high",
		Message:      "Possible " + disasterType + " near " + location,
		DedupKey:     models.DedupKey(disasterType, location, createdAt, 30*time.Minute),
		ZScore:       3.2,
		Status:       status,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
}

func TestSQLiteRepository_AlertRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	alert := makeAlert("flood", "chennai", models.AlertPending, time.Now().UTC())
	require.NoError(t, repo.StoreAlert(ctx, alert))

	got, err := repo.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, alert.ID, got.ID)
	assert.Equal(t, "flood", got.DisasterType)
	assert.Equal(t, models.AlertPending, got.Status)
	assert.InDelta(t, 3.2, got.ZScore, 1e-9)
}

func TestSQLiteRepository_UpdateAlertStatus(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	alert := makeAlert("fire", "delhi", models.AlertPending, time.Now().UTC())
	require.NoError(t, repo.StoreAlert(ctx, alert))

	require.NoError(t, repo.UpdateAlertStatus(ctx, alert.ID, models.AlertDispatched, 2))

	got, err := repo.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertDispatched, got.Status)
	assert.Equal(t, 2, got.DispatchAttempts)

	assert.Error(t, repo.UpdateAlertStatus(ctx, "no-such-id", models.AlertDispatched, 1))
}

func TestSQLiteRepository_QueryRecentAlerts(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.StoreAlert(ctx, makeAlert("flood", "chennai", models.AlertDispatched, now.Add(-2*time.Hour))))
	require.NoError(t, repo.StoreAlert(ctx, makeAlert("flood", "mumbai", models.AlertPending, now.Add(-time.Hour))))
	require.NoError(t, repo.StoreAlert(ctx, makeAlert("fire", "delhi", models.AlertDispatched, now)))

	all, err := repo.QueryRecentAlerts(ctx, models.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "fire", all[0].DisasterType, "newest first")

	floods, err := repo.QueryRecentAlerts(ctx, models.AlertFilter{DisasterType: "flood"})
	require.NoError(t, err)
	assert.Len(t, floods, 2)

	dispatched, err := repo.QueryRecentAlerts(ctx, models.AlertFilter{Status: models.AlertDispatched})
	require.NoError(t, err)
	assert.Len(t, dispatched, 2)

	recent, err := repo.QueryRecentAlerts(ctx, models.AlertFilter{Since: now.Add(-90 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	limited, err := repo.QueryRecentAlerts(ctx, models.AlertFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLiteRepository_SamplesRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	var samples []models.Sample
	for i := 0; i < 5; i++ {
		samples = append(samples, models.Sample{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Value:     float64(i),
			SourceTag: "simulated",
		})
	}
	require.NoError(t, repo.StoreSamples(ctx, "flood", samples))
	require.NoError(t, repo.StoreSamples(ctx, "fire", samples[:2]))

	got, err := repo.RecentSamples(ctx, "flood", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	// Chronological order, trimmed to the newest 3.
	assert.Equal(t, 2.0, got[0].Value)
	assert.Equal(t, 4.0, got[2].Value)
}

func TestSQLiteRepository_Cleanup(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.StoreSamples(ctx, "flood", []models.Sample{
		{Timestamp: now.Add(-10 * 24 * time.Hour), Value: 1},
		{Timestamp: now, Value: 2},
	}))
	require.NoError(t, repo.StoreAlert(ctx, makeAlert("flood", "chennai", models.AlertDispatched, now.Add(-60*24*time.Hour))))
	require.NoError(t, repo.StoreAlert(ctx, makeAlert("flood", "mumbai", models.AlertPending, now.Add(-60*24*time.Hour))))
	require.NoError(t, repo.StoreAlert(ctx, makeAlert("fire", "delhi", models.AlertDispatched, now)))
	require.NoError(t, repo.StoreSuppression(ctx, &models.SuppressionRecord{
		ID: uuid.New().String(), DedupKey: "k", DisasterType: "flood", Location: "chennai",
		CreatedAt: now.Add(-60 * 24 * time.Hour),
	}))

	result, err := repo.Cleanup(ctx, 7*24*time.Hour, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.SamplesDeleted)
	assert.Equal(t, int64(1), result.AlertsDeleted, "pending alerts survive retention")
	assert.Equal(t, int64(1), result.SuppressionsDeleted)

	remaining, err := repo.RecentSamples(ctx, "flood", 10)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestSQLiteRepository_Ping(t *testing.T) {
	repo := newTestRepo(t)
	assert.NoError(t, repo.Ping(context.Background()))
}

func TestSQLiteRepository_MigrationsAreIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	assert.NoError(t, repo.RunMigrations(migrations.FS))
}
