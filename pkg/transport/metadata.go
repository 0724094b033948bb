package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/aiprojek/gemaweb-cast/pkg/icecast"
)

// MetadataURL derives the relay's metadata endpoint from its channel
// endpoint: same host, http scheme, last path element "metadata".
func MetadataURL(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", errors.Wrapf(err, "invalid relay URL %q", relayURL)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	if i := strings.LastIndex(u.Path, "/"); i >= 0 {
		u.Path = u.Path[:i] + "/metadata"
	} else {
		u.Path = "/metadata"
	}
	u.RawQuery = ""
	return u.String(), nil
}

type metadataReply struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
	Details string `json:"details"`
}

// UpdateMetadata asks the managed relay to set the title on target.
func UpdateMetadata(ctx context.Context, client *http.Client, relayURL string, target icecast.Target, title string) error {
	endpoint, err := MetadataURL(relayURL)
	if err != nil {
		return err
	}

	q := target.Params()
	if target.User == "" {
		q.Set("user", icecast.DefaultAdminUser)
	}
	q.Set("title", title)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "metadata request failed")
	}
	defer resp.Body.Close()

	var reply metadataReply
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	_ = json.Unmarshal(body, &reply)

	if resp.StatusCode != http.StatusOK {
		msg := reply.Error
		if msg == "" {
			msg = resp.Status
		}
		if reply.Details != "" {
			msg += ": " + reply.Details
		}
		return errors.New(msg)
	}
	return nil
}
