package interfaces

import (
	"context"
	"os"
)

// ArtifactDestination is the sink an artifact is distributed to. An
// EnvironmentHandle satisfies it.
type ArtifactDestination interface {
	Upload(ctx context.Context, content []byte, path string, mode os.FileMode) error
}

// ArtifactRepository is content-addressed artifact storage with versioning,
// dependency ordering and secure distribution. Artifacts are immutable once
// stored; concurrent stores of identical content collapse into one write.
type ArtifactRepository interface {
	// Store persists an artifact, addressed by checksum. Storing content whose
	// checksum already exists is a no-op returning the existing ID.
	Store(ctx context.Context, artifact *TestArtifact) (string, error)
	// Fetch returns the stored artifact or a NotFound error
	Fetch(ctx context.Context, artifactID string) (*TestArtifact, error)
	// Resolve topologically sorts artifacts by depends_on
	Resolve(ctx context.Context, artifactIDs []string) ([]*TestArtifact, error)
	// Distribute transfers one artifact to a destination. Sensitive content is
	// encrypted in transit and never persisted decrypted beyond this call.
	Distribute(ctx context.Context, artifact *TestArtifact, dest ArtifactDestination) error
	// SetLatest updates the logical latest pointer for a name
	SetLatest(name, artifactID string) error
	// Latest resolves the latest pointer for a name
	Latest(name string) (string, error)
}
