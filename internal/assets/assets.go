// Package assets namespaces fetch artifacts and analyzer findings under
// {tenant}/{analysisID}/ in a blob store and maintains the fetch manifest
// that analyzers read.
package assets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/JakeFAU/site-auditor/internal/audit"
	"github.com/JakeFAU/site-auditor/internal/hash/sha256"
)

// DefaultTenant is used when a request carries no tenant.
const DefaultTenant = "default"

const (
	manifestName = "manifest.json"
	findingsDir  = "findings"
	digestLength = 16
)

// Artifact kinds written by the fetch stage.
const (
	KindHTML        = "html"
	KindScreenshot  = "screenshot"
	KindStylesheet  = "stylesheet"
	KindInlineStyle = "inline_style"
	KindScript      = "script"
	KindRobots      = "robots"
	KindSitemap     = "sitemap"
)

// ErrInvalidSegment is returned for tenant or analysis IDs that would escape
// their namespace.
var ErrInvalidSegment = errors.New("invalid path segment")

// Artifact describes one stored file.
type Artifact struct {
	Kind        string `json:"kind"`
	Path        string `json:"path"`
	ContentType string `json:"content_type"`
	SHA256      string `json:"sha256"`
	Size        int    `json:"size"`
	SourceURL   string `json:"source_url,omitempty"`
}

// Missing records an artifact the fetch stage could not store.
type Missing struct {
	Kind      string `json:"kind"`
	SourceURL string `json:"source_url,omitempty"`
	Reason    string `json:"reason"`
}

// Manifest indexes everything captured for an analysis.
type Manifest struct {
	AnalysisID string              `json:"analysis_id"`
	Tenant     string              `json:"tenant"`
	TargetURL  string              `json:"target_url"`
	FinalURL   string              `json:"final_url"`
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers,omitempty"`
	FetchedAt  time.Time           `json:"fetched_at"`
	Artifacts  []Artifact          `json:"artifacts"`
	Missing    []Missing           `json:"missing,omitempty"`
}

// Find returns the first artifact of kind.
func (m Manifest) Find(kind string) (Artifact, bool) {
	for _, a := range m.Artifacts {
		if a.Kind == kind {
			return a, true
		}
	}
	return Artifact{}, false
}

// FindAll returns every artifact of kind.
func (m Manifest) FindAll(kind string) []Artifact {
	var out []Artifact
	for _, a := range m.Artifacts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// Store wraps a BlobStore with analysis namespacing.
type Store struct {
	blobs audit.BlobStore
}

// New creates a Store.
func New(blobs audit.BlobStore) *Store {
	return &Store{blobs: blobs}
}

// Prefix returns the namespace for an analysis.
func Prefix(tenant, analysisID string) (string, error) {
	if tenant == "" {
		tenant = DefaultTenant
	}
	for _, seg := range []string{tenant, analysisID} {
		if seg == "" || seg == "." || seg == ".." || strings.ContainsAny(seg, `/\`) {
			return "", fmt.Errorf("%w: %q", ErrInvalidSegment, seg)
		}
	}
	return tenant + "/" + analysisID, nil
}

// ContentAddressedName names data by its digest, e.g. "css/3f2a...e1.css".
func ContentAddressedName(dir, ext string, data []byte) string {
	return path.Join(dir, sha256.Short(data, digestLength)+ext)
}

// PutArtifact stores data at name inside the analysis namespace.
func (s *Store) PutArtifact(ctx context.Context, tenant, analysisID, kind, name string, data []byte, contentType string) (Artifact, error) {
	prefix, err := Prefix(tenant, analysisID)
	if err != nil {
		return Artifact{}, err
	}
	full := path.Join(prefix, path.Clean("/" + name)[1:])
	if err := s.blobs.Put(ctx, full, data, contentType); err != nil {
		return Artifact{}, fmt.Errorf("put %s: %w", kind, err)
	}
	return Artifact{
		Kind:        kind,
		Path:        full,
		ContentType: contentType,
		SHA256:      sha256.Sum(data),
		Size:        len(data),
	}, nil
}

// Read loads an artifact's bytes.
func (s *Store) Read(ctx context.Context, a Artifact) ([]byte, error) {
	data, err := s.blobs.Get(ctx, a.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", a.Kind, err)
	}
	return data, nil
}

// PutManifest writes the manifest and returns its reference.
func (s *Store) PutManifest(ctx context.Context, m Manifest) (audit.AssetReference, error) {
	prefix, err := Prefix(m.Tenant, m.AnalysisID)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	ref := path.Join(prefix, manifestName)
	if err := s.blobs.Put(ctx, ref, data, "application/json"); err != nil {
		return "", fmt.Errorf("put manifest: %w", err)
	}
	return audit.AssetReference(ref), nil
}

// LoadManifest reads the manifest at ref.
func (s *Store) LoadManifest(ctx context.Context, ref audit.AssetReference) (Manifest, error) {
	data, err := s.blobs.Get(ctx, string(ref))
	if err != nil {
		return Manifest{}, fmt.Errorf("get manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// ManifestRef returns where the manifest for an analysis lives.
func ManifestRef(tenant, analysisID string) (audit.AssetReference, error) {
	prefix, err := Prefix(tenant, analysisID)
	if err != nil {
		return "", err
	}
	return audit.AssetReference(path.Join(prefix, manifestName)), nil
}

// PutFindings stores a module's findings.
func (s *Store) PutFindings(ctx context.Context, tenant, analysisID, module string, findings []audit.Finding) (string, error) {
	if findings == nil {
		findings = []audit.Finding{}
	}
	data, err := json.Marshal(findings)
	if err != nil {
		return "", fmt.Errorf("marshal findings: %w", err)
	}
	a, err := s.PutArtifact(ctx, tenant, analysisID, "findings", path.Join(findingsDir, module+".json"), data, "application/json")
	if err != nil {
		return "", err
	}
	return a.Path, nil
}

// LoadFindings reads a module's findings. A module that never stored
// findings yields audit.ErrNotFound.
func (s *Store) LoadFindings(ctx context.Context, tenant, analysisID, module string) ([]audit.Finding, error) {
	prefix, err := Prefix(tenant, analysisID)
	if err != nil {
		return nil, err
	}
	data, err := s.blobs.Get(ctx, path.Join(prefix, findingsDir, module+".json"))
	if err != nil {
		return nil, fmt.Errorf("get findings %s: %w", module, err)
	}
	var findings []audit.Finding
	if err := json.Unmarshal(data, &findings); err != nil {
		return nil, fmt.Errorf("decode findings %s: %w", module, err)
	}
	return findings, nil
}
