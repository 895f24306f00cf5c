// Package artifact provides content-addressed artifact storage with
// versioning, dependency ordering and secure distribution.
package artifact

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/hashicorp/go-uuid"

	"github.com/testrig/testrig/internal/interfaces"
	"github.com/testrig/testrig/pkg/logging"
)

// Repository is the in-memory content-addressed artifact store. Artifacts are
// immutable once stored; a logical latest pointer per name may move but never
// mutates stored content. Sensitive content is sealed at rest and only
// decrypted for the duration of a single Fetch or Distribute call.
type Repository struct {
	mu         sync.RWMutex
	byID       map[string]*storedArtifact
	byChecksum map[string]string // checksum -> artifact ID, serializes identical stores
	latest     map[string]string // name -> artifact ID

	sealer *sealer
	logger *logging.Logger
}

type storedArtifact struct {
	artifact interfaces.TestArtifact
	sealed   bool // content field holds ciphertext
}

// NewRepository creates an in-memory artifact repository
func NewRepository() (*Repository, error) {
	s, err := newSealer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize content sealer: %w", err)
	}
	return &Repository{
		byID:       make(map[string]*storedArtifact),
		byChecksum: make(map[string]string),
		latest:     make(map[string]string),
		sealer:     s,
		logger:     logging.NewLogger("artifact-repository"),
	}, nil
}

// Store persists an artifact, addressed by its SHA-256 checksum. Storing
// content whose checksum already exists is a no-op returning the existing ID.
func (r *Repository) Store(_ context.Context, a *interfaces.TestArtifact) (string, error) {
	if a == nil {
		return "", fmt.Errorf("artifact is nil")
	}
	if len(a.Content) == 0 {
		return "", fmt.Errorf("artifact %s has no content", a.Name)
	}
	if a.Checksum == "" {
		a.Checksum = interfaces.ComputeChecksum(a.Content)
	} else if err := a.VerifyChecksum(); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Deduplicate on content address
	if existing, ok := r.byChecksum[a.Checksum]; ok {
		return existing, nil
	}

	id := a.ID
	if id == "" {
		generated, err := uuid.GenerateUUID()
		if err != nil {
			return "", fmt.Errorf("failed to generate artifact ID: %w", err)
		}
		id = generated
	}
	if _, exists := r.byID[id]; exists {
		return "", fmt.Errorf("artifact ID %s already stored with different content", id)
	}

	stored := &storedArtifact{artifact: *a}
	stored.artifact.ID = id
	stored.artifact.Content = append([]byte(nil), a.Content...)

	if a.Sensitive {
		sealed, err := r.sealer.seal(stored.artifact.Content)
		if err != nil {
			return "", fmt.Errorf("failed to seal sensitive artifact %s: %w", a.Name, err)
		}
		stored.artifact.Content = sealed
		stored.sealed = true
	}

	r.byID[id] = stored
	r.byChecksum[a.Checksum] = id
	r.latest[stored.artifact.Name] = id

	r.logger.Debug("stored artifact id=%s name=%s checksum=%s", id, a.Name, a.Checksum)
	return id, nil
}

// Fetch returns a copy of the stored artifact. Sensitive content is decrypted
// into a caller-owned buffer; the repository retains only the sealed form.
func (r *Repository) Fetch(_ context.Context, artifactID string) (*interfaces.TestArtifact, error) {
	r.mu.RLock()
	stored, ok := r.byID[artifactID]
	r.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{ArtifactID: artifactID}
	}

	a := stored.artifact
	content, err := r.openContent(stored)
	if err != nil {
		return nil, err
	}
	a.Content = content
	return &a, nil
}

// Resolve returns the artifacts in dependency order (every artifact after all
// of its depends_on). Fails with DependencyCycleError on a cycle and
// NotFoundError on a missing ID.
func (r *Repository) Resolve(ctx context.Context, artifactIDs []string) ([]*interfaces.TestArtifact, error) {
	dependsOn := make(map[string][]string, len(artifactIDs))
	requested := make(map[string]bool, len(artifactIDs))

	r.mu.RLock()
	for _, id := range artifactIDs {
		stored, ok := r.byID[id]
		if !ok {
			r.mu.RUnlock()
			return nil, &NotFoundError{ArtifactID: id}
		}
		dependsOn[id] = stored.artifact.DependsOn
		requested[id] = true
	}
	r.mu.RUnlock()

	order, err := topologicalOrder(artifactIDs, dependsOn)
	if err != nil {
		return nil, err
	}

	result := make([]*interfaces.TestArtifact, 0, len(artifactIDs))
	for _, id := range order {
		// Dependencies outside the requested set are ordering constraints only
		if !requested[id] {
			continue
		}
		a, err := r.Fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, nil
}

// Distribute transfers one artifact to a destination, re-verifying the
// checksum immediately before transfer. Decrypted sensitive content lives
// only for the duration of this call.
func (r *Repository) Distribute(ctx context.Context, a *interfaces.TestArtifact, dest interfaces.ArtifactDestination) error {
	if a == nil {
		return fmt.Errorf("artifact is nil")
	}
	if dest == nil {
		return fmt.Errorf("destination is nil")
	}

	if err := a.VerifyChecksum(); err != nil {
		return err
	}
	mode, err := a.FileMode()
	if err != nil {
		return err
	}

	content := a.Content
	if a.Sensitive {
		// Work on a private copy so the wipe below cannot clobber caller state
		content = append([]byte(nil), a.Content...)
		defer wipe(content)
	}

	if err := dest.Upload(ctx, content, a.TargetPath, mode); err != nil {
		return fmt.Errorf("failed to distribute artifact %s: %w", a.ID, err)
	}
	return nil
}

// SetLatest moves the logical latest pointer for a name
func (r *Repository) SetLatest(name, artifactID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[artifactID]; !ok {
		return &NotFoundError{ArtifactID: artifactID}
	}
	r.latest[name] = artifactID
	return nil
}

// Latest resolves the latest pointer for a name
func (r *Repository) Latest(name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.latest[name]
	if !ok {
		return "", &NotFoundError{ArtifactID: name}
	}
	return id, nil
}

func (r *Repository) openContent(stored *storedArtifact) ([]byte, error) {
	if !stored.sealed {
		return append([]byte(nil), stored.artifact.Content...), nil
	}
	content, err := r.sealer.open(stored.artifact.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal artifact %s: %w", stored.artifact.ID, err)
	}
	return content, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// sealer encrypts sensitive artifact content at rest with an ephemeral
// per-repository AES-GCM key
type sealer struct {
	aead cipher.AEAD
}

func newSealer() (*sealer, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &sealer{aead: aead}, nil
}

func (s *sealer) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *sealer) open(sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize() {
		return nil, fmt.Errorf("sealed content too short")
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	return s.aead.Open(nil, nonce, ciphertext, nil)
}
