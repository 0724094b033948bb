package icecast

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
)

const metadataUserAgent = "Mozilla/5.0 (compatible; GemaWebCast/1.0)"

// ErrUnreachable means the admin endpoint could not be contacted at all.
var ErrUnreachable = errors.New("server unreachable")

// RejectedError is returned when the server answered a metadata update with
// a non-success status.
type RejectedError struct {
	Status int
	Body   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("server rejected update: %d %s", e.Status, e.Body)
}

// MetadataRequest builds the admin request that sets the current title.
// Shoutcast uses admin.cgi with stream id 1 and the admin user; Icecast uses
// the per-mount metadata endpoint with the target's own credentials.
func MetadataRequest(ctx context.Context, t Target, title string) (*http.Request, error) {
	if t.Pass == "" {
		return nil, ErrMissingPass
	}

	u := url.URL{Scheme: "http", Host: t.Address()}
	q := url.Values{}
	q.Set("mode", "updinfo")

	var auth string
	if t.Protocol == Shoutcast {
		u.Path = "/admin.cgi"
		q.Set("pass", t.Pass)
		q.Set("song", title)
		q.Set("sid", "1")
		auth = BasicAuth(DefaultAdminUser, t.Pass)
	} else {
		u.Path = "/admin/metadata"
		q.Set("mount", t.MountPath())
		q.Set("song", title)
		user := t.User
		if user == "" {
			user = DefaultAdminUser
		}
		auth = BasicAuth(user, t.Pass)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("User-Agent", metadataUserAgent)
	req.Close = true
	return req, nil
}

// UpdateMetadata sets the title currently playing on t.
func UpdateMetadata(ctx context.Context, client *http.Client, t Target, title string) error {
	req, err := MetadataRequest(ctx, t, title)
	if err != nil {
		return err
	}
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(ErrUnreachable, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &RejectedError{Status: resp.StatusCode, Body: string(body)}
}
