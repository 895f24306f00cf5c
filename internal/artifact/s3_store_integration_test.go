//go:build integration && localstack

package artifact

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testrig/testrig/internal/interfaces"
	"github.com/testrig/testrig/internal/testutil"
)

func newIntegrationStore(t *testing.T, endpoint string) *S3Store {
	t.Helper()
	store, err := NewS3Store(context.Background(), S3StoreConfig{
		Bucket:   fmt.Sprintf("testrig-artifacts-%d", time.Now().UnixNano()),
		Region:   "us-east-1",
		Endpoint: endpoint,
	})
	require.NoError(t, err)
	return store
}

func TestS3Store_Integration(t *testing.T) {
	t.Parallel()

	endpoint := testutil.SetupLocalStack(t, "s3")
	store := newIntegrationStore(t, endpoint)
	ctx := context.Background()

	t.Run("StoreAndFetchRoundTrip", func(t *testing.T) {
		a := scriptArtifact("run.sh", []byte("echo integration"))
		id, err := store.Store(ctx, a)
		require.NoError(t, err)
		require.NotEmpty(t, id)

		got, err := store.Fetch(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []byte("echo integration"), got.Content)
		assert.Equal(t, "/opt/tests/run.sh", got.TargetPath)
		assert.Equal(t, interfaces.ComputeChecksum([]byte("echo integration")), got.Checksum)
	})

	t.Run("DeduplicatesOnContent", func(t *testing.T) {
		id1, err := store.Store(ctx, scriptArtifact("first.sh", []byte("echo shared")))
		require.NoError(t, err)
		id2, err := store.Store(ctx, scriptArtifact("second.sh", []byte("echo shared")))
		require.NoError(t, err)
		assert.Equal(t, id1, id2)
	})

	t.Run("FetchUnknownIsNotFound", func(t *testing.T) {
		_, err := store.Fetch(ctx, "no-such-artifact")
		var notFound *NotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, "no-such-artifact", notFound.ArtifactID)
	})

	t.Run("LatestPointerFollowsStores", func(t *testing.T) {
		id1, err := store.Store(ctx, scriptArtifact("suite.sh", []byte("echo v1")))
		require.NoError(t, err)
		id2, err := store.Store(ctx, scriptArtifact("suite.sh", []byte("echo v2")))
		require.NoError(t, err)

		latest, err := store.Latest("suite.sh")
		require.NoError(t, err)
		assert.Equal(t, id2, latest)

		require.NoError(t, store.SetLatest("suite.sh", id1))
		latest, err = store.Latest("suite.sh")
		require.NoError(t, err)
		assert.Equal(t, id1, latest)
	})

	t.Run("ResolveReturnsDependencyOrder", func(t *testing.T) {
		libID, err := store.Store(ctx, scriptArtifact("lib.sh", []byte("echo lib")))
		require.NoError(t, err)

		main := scriptArtifact("main.sh", []byte("echo main"))
		main.DependsOn = []string{libID}
		mainID, err := store.Store(ctx, main)
		require.NoError(t, err)

		runner := scriptArtifact("runner.sh", []byte("echo runner"))
		runner.DependsOn = []string{mainID}
		runnerID, err := store.Store(ctx, runner)
		require.NoError(t, err)

		resolved, err := store.Resolve(ctx, []string{runnerID, mainID, libID})
		require.NoError(t, err)
		require.Len(t, resolved, 3)
		assert.Equal(t, libID, resolved[0].ID)
		assert.Equal(t, mainID, resolved[1].ID)
		assert.Equal(t, runnerID, resolved[2].ID)
	})
}
