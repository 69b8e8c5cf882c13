package uplock

import (
	"strings"

	"github.com/google/uuid"
)

// UploadID is the opaque identifier of one resumable upload. Its canonical
// string form doubles as the lock artifact's file name, so every participant
// sharing a storage root derives identical paths.
type UploadID string

func (id UploadID) String() string { return string(id) }

// IDFactory maps request URIs to upload identifiers and mints new ones. A
// URI that does not reference a valid upload resolves to ok == false; the
// locking service treats that as "nothing to lock", not as an error.
type IDFactory interface {
	ReadUploadID(requestURI string) (UploadID, bool)
	CreateID() UploadID
	UploadBaseURI() string
}

// UUIDFactory is the default IDFactory. Uploads live directly under a fixed
// base URI and are identified by a UUID path segment. New identifiers are
// time-ordered (UUIDv7) so artifact listings sort by creation time.
type UUIDFactory struct {
	baseURI string
}

// NewUUIDFactory returns a factory recognising URIs of the form
// <baseURI>/<uuid>. Trailing slashes on baseURI are ignored.
func NewUUIDFactory(baseURI string) *UUIDFactory {
	return &UUIDFactory{baseURI: strings.TrimRight(baseURI, "/")}
}

// ReadUploadID extracts and validates the UUID segment following the base
// URI. Query strings and fragments are stripped before matching.
func (f *UUIDFactory) ReadUploadID(requestURI string) (UploadID, bool) {
	uri := requestURI
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		uri = uri[:i]
	}
	uri = strings.TrimRight(uri, "/")
	if !strings.HasPrefix(uri, f.baseURI+"/") {
		return "", false
	}
	segment := uri[len(f.baseURI)+1:]
	if segment == "" || strings.Contains(segment, "/") {
		return "", false
	}
	parsed, err := uuid.Parse(segment)
	if err != nil {
		return "", false
	}
	return UploadID(parsed.String()), true
}

// CreateID mints a new time-ordered upload identifier.
func (f *UUIDFactory) CreateID() UploadID {
	return UploadID(uuid.Must(uuid.NewV7()).String())
}

// UploadBaseURI returns the URI prefix uploads are served under.
func (f *UUIDFactory) UploadBaseURI() string { return f.baseURI }
