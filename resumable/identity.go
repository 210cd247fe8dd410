package resumable

import (
	"encoding/json"
	"fmt"
)

// Identity identifies the uploaded object. Sessions are persisted under its key.
type Identity struct {
	Bucket     string
	Object     string
	Generation int64
}

// Key returns bucket/object, followed by /generation when a generation is set.
func (i Identity) Key() string {
	if i.Generation != 0 {
		return fmt.Sprintf("%s/%s/%d", i.Bucket, i.Object, i.Generation)
	}
	return fmt.Sprintf("%s/%s", i.Bucket, i.Object)
}

// ObjectMetadata is the object resource returned once the upload is finalized.
// Numeric fields are strings on the wire and are kept that way.
type ObjectMetadata struct {
	Bucket         string `json:"bucket"`
	Name           string `json:"name"`
	Generation     string `json:"generation"`
	Metageneration string `json:"metageneration"`
	Size           string `json:"size"`
	ContentType    string `json:"contentType"`
	MD5Hash        string `json:"md5Hash"`
	CRC32C         string `json:"crc32c"`
	ETag           string `json:"etag"`
	MediaLink      string `json:"mediaLink"`

	// Raw is the complete response body.
	Raw json.RawMessage `json:"-"`
}

func parseObjectMetadata(body []byte) (*ObjectMetadata, error) {
	metadata := &ObjectMetadata{Raw: json.RawMessage(append([]byte(nil), body...))}
	if len(body) == 0 {
		return metadata, nil
	}
	if err := json.Unmarshal(body, metadata); err != nil {
		return metadata, fmt.Errorf("decode object metadata: %w", err)
	}
	return metadata, nil
}
