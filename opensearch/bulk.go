package opensearch

import (
	"github.com/goccy/go-json"
)

// BulkResponse is the decoded _bulk API response.
type BulkResponse struct {
	Took   int        `json:"took"`
	Errors bool       `json:"errors"`
	Items  []BulkItem `json:"items"`
}

// BulkItem wraps the per-action result; exactly one of the action keys is
// set per item.
type BulkItem struct {
	Index  *BulkItemResult `json:"index,omitempty"`
	Create *BulkItemResult `json:"create,omitempty"`
}

// Result returns whichever action result is present.
func (i BulkItem) Result() *BulkItemResult {
	if i.Index != nil {
		return i.Index
	}
	return i.Create
}

type BulkItemResult struct {
	Index  string         `json:"_index"`
	ID     string         `json:"_id"`
	Status int            `json:"status"`
	Error  *BulkItemError `json:"error,omitempty"`
}

type BulkItemError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func parseBulkResponse(body []byte) (*BulkResponse, error) {
	var resp BulkResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ActionLine renders one bulk action metadata line. Serverless collections
// require "create" without _id; everything else uses "index" with the
// deterministic document ID for idempotent retries.
func ActionLine(index, docID string, serverless bool) ([]byte, error) {
	type target struct {
		Index string `json:"_index"`
		ID    string `json:"_id,omitempty"`
	}
	if serverless {
		return json.Marshal(map[string]target{"create": {Index: index}})
	}
	return json.Marshal(map[string]target{"index": {Index: index, ID: docID}})
}
