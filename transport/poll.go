package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// doPoll performs one poll round-trip and decodes the response. Shared by the
// fixed-interval and held-open strategies.
func doPoll(client *http.Client, req *http.Request) (*PollResponse, *Error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, classify("poll", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, protocolErr("poll", "unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify("poll", err)
	}

	var pr PollResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, protocolErr("poll", "malformed response: %v", err)
	}
	return &pr, nil
}

// pollURL builds the request URL for a poll endpoint.
func pollURL(base, endpoint, topic string, after uint64, extra url.Values) string {
	q := url.Values{}
	q.Set("after", fmt.Sprintf("%d", after))
	for k, vs := range extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	return fmt.Sprintf("%s/v1/%s/%s?%s", base, endpoint, url.PathEscape(topic), q.Encode())
}
