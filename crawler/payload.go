package crawler

import "encoding/json"

// crawlJobPayload is the JSON payload of a JobNameCrawl job: which file to
// fetch and the correlation id to stamp onto whatever events the fetch
// produces.
type crawlJobPayload struct {
	FileName      string  `json:"file_name"`
	CorrelationID *string `json:"correlation_id,omitempty"`
}

func marshalCrawlPayload(p crawlJobPayload) ([]byte, error) {
	return json.Marshal(p)
}

func unmarshalCrawlPayload(raw []byte) (crawlJobPayload, error) {
	var p crawlJobPayload
	err := json.Unmarshal(raw, &p)
	return p, err
}
