package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"github.com/osvaldoandrade/inspectq/pkg/domain"
)

var (
	// ErrNotFound is returned when an artifact does not exist in a backend
	ErrNotFound = errors.New("not found")

	// ErrUnknownProvider is returned when no factory is registered for a backend type
	ErrUnknownProvider = errors.New("unknown storage provider")
)

// Backend persists artifacts to one physical medium.
//
// Store must be safe to call repeatedly for the same artifact: the upload
// worker may call it again across retries before success is confirmed, so a
// second call overwrites rather than corrupts what an earlier call wrote.
type Backend interface {
	// Name identifies the backend in delivery bookkeeping and telemetry.
	Name() string

	// Store writes the artifact and returns a location describing where it landed.
	Store(ctx context.Context, artifact domain.Artifact, mission domain.MissionContext) (string, error)

	// Exists reports whether the artifact is already stored.
	Exists(ctx context.Context, artifact domain.Artifact) (bool, error)
}

// HealthChecker is implemented by backends that can probe their medium.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// ObjectPath is the backend-neutral key of an artifact: <mission>/<artifact>.<ext>.
// Keys never climb out of the mission folder: a mission id that is not a plain
// path segment is replaced by a digest of itself, and an unsafe file type is
// dropped. The object name is always the artifact id, so distinct artifacts
// never share a key.
func ObjectPath(a domain.Artifact) string {
	name := a.ID
	if ft := domain.NormalizeFileType(a.Metadata.FileType); ft != "" && domain.ValidPathSegment(ft) {
		name += "." + ft
	}
	return missionSegment(a.MissionID) + "/" + name
}

func missionSegment(missionID string) string {
	mission := strings.TrimSpace(missionID)
	switch {
	case mission == "":
		return "_"
	case domain.ValidPathSegment(mission):
		return mission
	}
	sum := sha256.Sum256([]byte(mission))
	return "_" + hex.EncodeToString(sum[:12])
}

// MetadataPath is the key of the JSON sidecar written next to the object.
func MetadataPath(a domain.Artifact) string {
	return ObjectPath(a) + ".json"
}

// Record is the metadata document backends persist alongside artifact bytes.
type Record struct {
	ArtifactID string                  `json:"artifactId"`
	MissionID  string                  `json:"missionId"`
	Sequence   int                     `json:"sequence"`
	Kind       domain.ArtifactKind     `json:"kind"`
	Checksum   string                  `json:"checksum"`
	Size       int                     `json:"size"`
	Metadata   domain.ArtifactMetadata `json:"metadata"`
	Mission    domain.MissionContext   `json:"mission"`
}

func NewRecord(a domain.Artifact, m domain.MissionContext) Record {
	return Record{
		ArtifactID: a.ID,
		MissionID:  a.MissionID,
		Sequence:   a.Sequence,
		Kind:       a.Kind,
		Checksum:   a.Checksum(),
		Size:       a.Size(),
		Metadata:   a.Metadata,
		Mission:    m,
	}
}

func (r Record) JSON() ([]byte, error) {
	return json.Marshal(r)
}
