package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/distribution/reference"
	"github.com/moby/moby/api/types/image"
	"github.com/ryanmoran/engineclient/docker/transport"
)

func imagePath(ref, action string) string {
	if action == "" {
		return "/images/" + ref
	}
	return "/images/" + ref + "/" + action
}

// ListImages lists images, only those carrying label when it is not empty.
func (c Client) ListImages(ctx context.Context, label string) ([]image.Summary, error) {
	query, err := withFilters(transport.Query{}, labelFilter(label))
	if err != nil {
		return nil, err
	}

	images := []image.Summary{}
	if err := c.decode(ctx, http.MethodGet, "/images/json", transport.Options{Query: query}, &images); err != nil {
		return nil, err
	}
	if images == nil {
		images = []image.Summary{}
	}
	return images, nil
}

// InspectImage returns the low-level details of an image given its name or
// ID.
func (c Client) InspectImage(ctx context.Context, nameOrID string) (image.InspectResponse, error) {
	var details image.InspectResponse
	err := c.decode(ctx, http.MethodGet, imagePath(nameOrID, "json"), transport.Options{}, &details)
	return details, err
}

// ImageExists reports whether the daemon knows the image. Only a
// resource-not-found answer means false; every other error is returned.
func (c Client) ImageExists(ctx context.Context, name string) (bool, error) {
	_, err := c.InspectImage(ctx, name)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// pullQuery splits ref into the fromImage and tag parameters. A reference
// without tag or digest pulls "latest". References that do not parse are
// passed on verbatim for the daemon to judge.
func pullQuery(ref string) transport.Query {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return transport.Query{}.Add("fromImage", ref)
	}

	query := transport.Query{}.Add("fromImage", reference.FamiliarName(named))
	if canonical, ok := named.(reference.Canonical); ok {
		return query.Add("tag", canonical.Digest().String())
	}
	if tagged, ok := reference.TagNameOnly(named).(reference.Tagged); ok {
		return query.Add("tag", tagged.Tag())
	}
	return query
}

// PullImage pulls ref and returns once the pull has finished. Errors the
// daemon reports in its progress stream are returned as KindFailure.
func (c Client) PullImage(ctx context.Context, ref string) error {
	_, body, err := c.do(ctx, http.MethodPost, "/images/create", transport.Options{Query: pullQuery(ref)})
	if err != nil {
		return err
	}
	defer body.Close()

	decoder := json.NewDecoder(body)
	for {
		var progress struct {
			Status      string `json:"status"`
			Error       string `json:"error"`
			ErrorDetail struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"errorDetail"`
		}
		if err := decoder.Decode(&progress); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return &Error{Kind: KindFailure, Message: fmt.Sprintf("failed to decode pull progress of %q", ref), Err: err}
		}

		message := progress.ErrorDetail.Message
		if message == "" {
			message = progress.Error
		}
		if message != "" {
			return &Error{Kind: KindFailure, Message: fmt.Sprintf("failed to pull image %q: %s", ref, message)}
		}
	}
}

// RemoveImage removes an image. force also removes it when containers
// still use it.
func (c Client) RemoveImage(ctx context.Context, ref string, force bool) error {
	query := transport.Query{}
	if force {
		query = query.Add("force", "true")
	}

	_, err := c.exec(ctx, http.MethodDelete, imagePath(ref, ""), transport.Options{Query: query})
	return err
}
