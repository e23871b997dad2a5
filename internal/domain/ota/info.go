package ota

import (
	"fmt"
	"strings"

	goversion "github.com/hashicorp/go-version"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// VersionField is the metadata key carrying the human readable release version.
const VersionField = "version"

// DeploymentInfo is a metadata document associated with exactly one revision.
// It is immutable once parsed: accessors return copies.
type DeploymentInfo struct {
	revision Revision
	document *structpb.Struct
}

// ParseDeploymentInfo parses a JSON object into a DeploymentInfo.
// Anything that is not a well-formed JSON object yields ErrParse.
func ParseDeploymentInfo(revision Revision, data []byte) (*DeploymentInfo, error) {
	document := new(structpb.Struct)
	if err := protojson.Unmarshal(data, document); err != nil {
		return nil, fmt.Errorf("%w: metadata of %s: %w", ErrParse, revision.Short(), err)
	}

	return &DeploymentInfo{
		revision: revision,
		document: document,
	}, nil
}

// NewDeploymentInfo builds a document from plain Go values, mostly for tests and fakes.
func NewDeploymentInfo(revision Revision, fields map[string]any) (*DeploymentInfo, error) {
	document, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	return &DeploymentInfo{
		revision: revision,
		document: document,
	}, nil
}

// Revision returns the revision the document describes.
func (i *DeploymentInfo) Revision() Revision {
	if i == nil {
		return ""
	}

	return i.revision
}

// Document returns a deep copy of the parsed document.
func (i *DeploymentInfo) Document() *structpb.Struct {
	if i == nil || i.document == nil {
		return nil
	}

	//nolint:forcetypeassert // proto.Clone preserves the concrete type.
	return proto.Clone(i.document).(*structpb.Struct)
}

// Field returns a top-level string value, or the JSON rendering of non-string values.
func (i *DeploymentInfo) Field(key string) (string, bool) {
	if i == nil || i.document == nil {
		return "", false
	}

	value, ok := i.document.GetFields()[key]
	if !ok {
		return "", false
	}

	if s, isString := value.GetKind().(*structpb.Value_StringValue); isString {
		return s.StringValue, true
	}

	data, err := protojson.Marshal(value)
	if err != nil {
		return "", false
	}

	return string(data), true
}

// Version returns the release version stored under VersionField.
func (i *DeploymentInfo) Version() string {
	v, _ := i.Field(VersionField)

	return strings.TrimSpace(v)
}

// NewerThan reports whether this document advertises a higher release version than other.
// Documents without a parseable version are never considered newer.
func (i *DeploymentInfo) NewerThan(other *DeploymentInfo) bool {
	mine, err := goversion.NewVersion(i.Version())
	if err != nil {
		return false
	}

	theirs, err := goversion.NewVersion(other.Version())
	if err != nil {
		return true
	}

	return mine.GreaterThan(theirs)
}

// Equal compares revision and document contents.
func (i *DeploymentInfo) Equal(other *DeploymentInfo) bool {
	if i == nil || other == nil {
		return i == nil && other == nil
	}

	return i.revision == other.revision && proto.Equal(i.document, other.document)
}

// JSON renders the document back to JSON.
func (i *DeploymentInfo) JSON() []byte {
	if i == nil || i.document == nil {
		return []byte("{}")
	}

	data, err := protojson.Marshal(i.document)
	if err != nil {
		return []byte("{}")
	}

	return data
}
