package wire

import (
	"encoding/json"
	"fmt"

	"github.com/cberner/fleetfs/pkg/types"
)

// ResponseKind is the discriminant of the response union
type ResponseKind string

const (
	ResponseError            ResponseKind = "error"
	ResponseEmpty            ResponseKind = "empty"
	ResponseRead             ResponseKind = "read"
	ResponseWritten          ResponseKind = "written"
	ResponseAttr             ResponseKind = "attr"
	ResponseEntry            ResponseKind = "entry"
	ResponseDirectoryListing ResponseKind = "directory_listing"
	ResponseXattr            ResponseKind = "xattr"
	ResponseXattrs           ResponseKind = "xattrs"
	ResponseLinkCount        ResponseKind = "link_count"
	ResponseRemovedInode     ResponseKind = "removed_inode"
	ResponseLatestCommit     ResponseKind = "latest_commit"
	ResponseChecksum         ResponseKind = "checksum"
)

// Response is the tagged union returned for every request
type Response struct {
	Kind ResponseKind    `json:"kind"`
	Body json.RawMessage `json:"body"`
}

type ErrorResponse struct {
	Code ErrorCode `json:"code"`
}

type EmptyResponse struct{}

type ReadResponse struct {
	Data []byte `json:"data"`
}

type WrittenResponse struct {
	BytesWritten uint32 `json:"bytes_written"`
}

type AttrResponse struct {
	Attr types.FileAttr `json:"attr"`
}

// EntryResponse is the result of a lookup: the directory entry found
type EntryResponse struct {
	Entry types.DirEntry `json:"entry"`
}

type DirectoryListingResponse struct {
	Entries []types.DirEntry `json:"entries"`
}

type XattrResponse struct {
	Value []byte `json:"value"`
}

type XattrsResponse struct {
	Keys []string `json:"keys"`
}

// LinkCountResponse reports the link count after a hardlink increment or
// rollback.
type LinkCountResponse struct {
	Count uint32 `json:"count"`
}

// RemovedInodeResponse reports the inode a remove-link or replace-link
// unhooked, so the coordinator can decrement it.
type RemovedInodeResponse struct {
	Inode *types.InodeID  `json:"inode,omitempty"`
	Kind  *types.FileKind `json:"kind,omitempty"`
}

type LatestCommitResponse struct {
	Index uint64 `json:"index"`
}

// GroupChecksum is one group's data checksum, compared across replicas by
// the integrity tooling.
type GroupChecksum struct {
	Group    types.GroupID `json:"group"`
	Checksum []byte        `json:"checksum"`
}

type ChecksumResponse struct {
	Checksums []GroupChecksum `json:"checksums"`
}

// DecodeResponse parses a response envelope
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response envelope: %w", err)
	}
	return &resp, nil
}

// DecodeBody decodes the union payload into out
func (r *Response) DecodeBody(out interface{}) error {
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("failed to decode %s response body: %w", r.Kind, err)
	}
	return nil
}

// AsError returns the wire error if r is an ErrorResponse, nil otherwise
func (r *Response) AsError() error {
	if r.Kind != ResponseError {
		return nil
	}
	var body ErrorResponse
	if err := r.DecodeBody(&body); err != nil {
		return NewError(ErrInternal)
	}
	return NewError(body.Code)
}
