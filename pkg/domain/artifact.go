package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ArtifactKind string

const (
	KindImage        ArtifactKind = "IMAGE"
	KindThermalImage ArtifactKind = "THERMAL_IMAGE"
	KindVideo        ArtifactKind = "VIDEO"
	KindAudio        ArtifactKind = "AUDIO"
)

// artifactNamespace scopes name-based artifact ids so they never collide with
// ids minted by other systems from the same mission/sequence pair.
var artifactNamespace = uuid.MustParse("8f5d1e64-3c0b-4b8e-9f3a-6a1c2d7e9b10")

type Frame string

type Position struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Frame Frame   `json:"frame"`
}

type Orientation struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	W     float64 `json:"w"`
	Frame Frame   `json:"frame"`
}

type Pose struct {
	Position    Position    `json:"position"`
	Orientation Orientation `json:"orientation"`
	Frame       Frame       `json:"frame"`
}

// ArtifactMetadata is the capture context that travels with the bytes.
type ArtifactMetadata struct {
	CapturedAt time.Time         `json:"capturedAt"`
	Pose       *Pose             `json:"pose,omitempty"`
	FileType   string            `json:"fileType"`
	TagID      string            `json:"tagId,omitempty"`
	Analysis   []string          `json:"analysis,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Artifact is an inspection result. It is treated as immutable once built.
type Artifact struct {
	ID        string           `json:"id"`
	MissionID string           `json:"missionId"`
	Sequence  int              `json:"sequence"`
	Kind      ArtifactKind     `json:"kind"`
	Metadata  ArtifactMetadata `json:"metadata"`
	Data      []byte           `json:"data"`
}

// ArtifactID derives the stable identity of the sequence-th artifact of a mission.
func ArtifactID(missionID string, sequence int) string {
	name := strings.TrimSpace(missionID) + "/" + strconv.Itoa(sequence)
	return uuid.NewSHA1(artifactNamespace, []byte(name)).String()
}

// NewArtifact builds an artifact with its derived identity.
func NewArtifact(missionID string, sequence int, kind ArtifactKind, meta ArtifactMetadata, data []byte) Artifact {
	if kind == "" {
		kind = KindImage
	}
	meta.FileType = NormalizeFileType(meta.FileType)
	return Artifact{
		ID:        ArtifactID(missionID, sequence),
		MissionID: strings.TrimSpace(missionID),
		Sequence:  sequence,
		Kind:      kind,
		Metadata:  meta,
		Data:      data,
	}
}

// Checksum is the hex sha256 of the artifact bytes.
func (a Artifact) Checksum() string {
	sum := sha256.Sum256(a.Data)
	return hex.EncodeToString(sum[:])
}

func (a Artifact) Size() int { return len(a.Data) }

// ContentType maps the file type to a MIME type, falling back to octet-stream.
func (a Artifact) ContentType() string {
	switch a.Metadata.FileType {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "tiff", "tif":
		return "image/tiff"
	case "mp4":
		return "video/mp4"
	case "wav":
		return "audio/wav"
	case "json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

func NormalizeFileType(ft string) string {
	ft = strings.ToLower(strings.TrimSpace(ft))
	return strings.TrimPrefix(ft, ".")
}

var pathSegmentRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidPathSegment reports whether s can be used verbatim as one element of a
// storage key. Separators and the dot-only names "." and ".." are rejected.
func ValidPathSegment(s string) bool {
	if s == "." || s == ".." || len(s) > 128 {
		return false
	}
	return pathSegmentRe.MatchString(s)
}
