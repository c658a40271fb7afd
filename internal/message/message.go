// Package message holds the closed set of messages exchanged between
// requesters and the coordinator.
package message

// Status is the terminal outcome reported to a requester.
type Status string

const (
	StatusDownloaded    Status = "downloaded"
	StatusDownloadError Status = "download_err"
)

// SubmitRequest asks the coordinator to download one item.
type SubmitRequest struct {
	RequesterID string `json:"requesterId"`
	BatchNumber int64  `json:"batchNumber"`
	ItemID      string `json:"itemId"`
	URL         string `json:"url"`
	Filename    string `json:"filename"`
}

// SubmitReply answers a SubmitRequest. Error is set when the download
// subsystem rejected the item synchronously.
type SubmitReply struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// ResetRequest clears a requester's batch state.
type ResetRequest struct {
	RequesterID string `json:"requesterId"`
}

// FileRequest asks for an untracked side download.
type FileRequest struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// Notification is sent to a requester once per dispatched item.
type Notification struct {
	Status              Status `json:"status"`
	ItemID              string `json:"itemId"`
	RequesterID         string `json:"requesterId"`
	URL                 string `json:"url,omitempty"`
	Error               string `json:"error,omitempty"`
	RenamedToOpaqueName bool   `json:"renamedToOpaqueName"`
}

// Downloaded builds a successful completion notification.
func Downloaded(requesterID, itemID, url string, renamed bool) Notification {
	return Notification{
		Status:              StatusDownloaded,
		ItemID:              itemID,
		RequesterID:         requesterID,
		URL:                 url,
		RenamedToOpaqueName: renamed,
	}
}

// DownloadError builds a failure notification.
func DownloadError(requesterID, itemID, url, errMsg string, renamed bool) Notification {
	return Notification{
		Status:              StatusDownloadError,
		ItemID:              itemID,
		RequesterID:         requesterID,
		URL:                 url,
		Error:               errMsg,
		RenamedToOpaqueName: renamed,
	}
}
