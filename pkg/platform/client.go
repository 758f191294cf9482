// Package platform defines the capability interface the reconciliation
// engine consumes from a competition platform, the raw shapes it returns,
// and the error taxonomy every implementation translates into.
package platform

import (
	"context"
	"io"

	"github.com/chalsync/chalsync/pkg/challenge"
)

// Client is the set of calls the engine may make against the platform.
// Challenges are addressed by their local id; mapping to platform-native
// identifiers is the implementation's concern.
//
// Every method returns a *RemoteError on failure. Implementations must
// honor ctx cancellation and deadlines.
type Client interface {
	// ListChallenges returns one page of managed challenges. An empty
	// cursor requests the first page; an empty next cursor means the
	// listing is exhausted.
	ListChallenges(ctx context.Context, cursor string) (page []RemoteSummary, next string, err error)

	// GetChallenge returns the full remote record.
	GetChallenge(ctx context.Context, id string) (*RemoteChallenge, error)

	// CreateChallenge creates the scalar record. Flags, hints, files and
	// prerequisites are set by the dedicated calls.
	CreateChallenge(ctx context.Context, def challenge.Definition) error

	UpdateChallenge(ctx context.Context, id string, patch challenge.Patch) error
	DeleteChallenge(ctx context.Context, id string) error

	// SetFlags and SetHints replace the full list.
	SetFlags(ctx context.Context, id string, flags []challenge.Flag) error
	SetHints(ctx context.Context, id string, hints []challenge.Hint) error

	// SetTags replaces the free-form tags. The tag marking the challenge
	// as managed is kept.
	SetTags(ctx context.Context, id string, tags []string) error

	// UploadFile adds or replaces the attachment with the same name.
	UploadFile(ctx context.Context, id string, file FileUpload) error

	// SetPrerequisites replaces the prerequisite set.
	SetPrerequisites(ctx context.Context, id string, ids []string) error
}

// Method names, used for error ops, metrics labels and span names.
const (
	MethodListChallenges   = "ListChallenges"
	MethodGetChallenge     = "GetChallenge"
	MethodCreateChallenge  = "CreateChallenge"
	MethodUpdateChallenge  = "UpdateChallenge"
	MethodDeleteChallenge  = "DeleteChallenge"
	MethodSetFlags         = "SetFlags"
	MethodSetHints         = "SetHints"
	MethodSetTags          = "SetTags"
	MethodUploadFile       = "UploadFile"
	MethodSetPrerequisites = "SetPrerequisites"
)

// IsMutating reports whether method changes remote state.
func IsMutating(method string) bool {
	return method != MethodListChallenges && method != MethodGetChallenge
}

// FileUpload is an attachment to upload.
type FileUpload struct {
	Name    string
	SHA1    string
	Content io.Reader
}
