package repository_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/secmon-lab/onboarder/pkg/domain/interfaces"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
	"github.com/secmon-lab/onboarder/pkg/repository/bolt"
	"github.com/secmon-lab/onboarder/pkg/repository/firestore"
	"github.com/secmon-lab/onboarder/pkg/repository/memory"
)

func newMemoryRepository(t *testing.T) interfaces.Repository {
	return memory.New()
}

func newBoltRepository(t *testing.T) interfaces.Repository {
	t.Helper()

	repo, err := bolt.New(filepath.Join(t.TempDir(), "onboarder.db"))
	if err != nil {
		t.Fatalf("failed to open bolt repository: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("failed to close bolt repository: %v", err)
		}
	})
	return repo
}

func newFirestoreRepository(t *testing.T) interfaces.Repository {
	t.Helper()

	projectID := os.Getenv("TEST_FIRESTORE_PROJECT_ID")
	if projectID == "" {
		t.Skip("TEST_FIRESTORE_PROJECT_ID not set")
	}

	databaseID := os.Getenv("TEST_FIRESTORE_DATABASE_ID")
	if databaseID == "" {
		t.Skip("TEST_FIRESTORE_DATABASE_ID not set")
	}

	ctx := context.Background()
	// Use standard collection names (no prefix) to utilize existing Firestore indexes
	// Test data isolation is achieved through random IDs in test data
	repo, err := firestore.New(ctx, projectID, databaseID)
	if err != nil {
		t.Fatalf("failed to create firestore repository: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("failed to close firestore repository: %v", err)
		}
	})
	return repo
}

// backends lists every repository implementation the suites run against
var backends = []struct {
	name    string
	newRepo func(t *testing.T) interfaces.Repository
}{
	{name: "memory", newRepo: newMemoryRepository},
	{name: "bolt", newRepo: newBoltRepository},
	{name: "firestore", newRepo: newFirestoreRepository},
}

func uniqueDocID(prefix string) model.DocumentID {
	return model.NewDocumentID([]byte(fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())))
}

func unitVector(dim, hot int) []float32 {
	v := make([]float32, dim)
	v[hot%dim] = 1
	return v
}
