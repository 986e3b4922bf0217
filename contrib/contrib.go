/*
 *	Copyright 2025 The FedLearn Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package contrib talks to the project service: it fetches the current
// project model to resume from and uploads finished contributions.
package contrib

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultTimeout bounds a single request when the caller's context carries
// no deadline of its own.
const DefaultTimeout = 2 * time.Minute

// Client is a thin project-service API client. The zero value is not
// usable, construct it with New.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the service at baseURL (scheme and host, no
// trailing slash required). httpClient may be nil to use a default with
// DefaultTimeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

// Metadata accompanies an uploaded contribution.
type Metadata struct {
	// ContributionID is a fresh UUID identifying this upload.
	ContributionID string `json:"contributionId"`

	ProjectID string `json:"projectId"`

	// Checksum is the SHA-1 hex of the uploaded archive.
	Checksum string `json:"checksum"`

	NumExamples   int     `json:"numExamples"`
	Epochs        int     `json:"epochs"`
	FinalAccuracy float64 `json:"finalAccuracy"`
	FinalLoss     float64 `json:"finalLoss"`
	ElapsedMillis int64   `json:"elapsedMillis"`
}

// FetchModel downloads the current model artifact of a project. A project
// that has no model yet is not an error: it returns (nil, nil), signaling
// the caller to train from scratch.
func (c *Client) FetchModel(ctx context.Context, projectID string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/api/projects/%s/model", c.baseURL, url.PathEscape(projectID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build model fetch request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch model for project %q", projectID)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		klog.V(1).Infof("Project %q has no model yet", projectID)
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("fetching model for project %q: server returned %s", projectID, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read model for project %q", projectID)
	}
	klog.V(1).Infof("Fetched model for project %q: %d bytes", projectID, len(data))
	return data, nil
}

// Contribute uploads a trained artifact as one multipart request: the
// archive as file field "model" named "<checksum>.tfjs.zip", the checksum
// as field "hash", and the metadata as JSON field "metadata". It returns
// the contribution ID assigned to the upload. No retries: the caller
// decides whether a failed upload is worth repeating the training for.
func (c *Client) Contribute(ctx context.Context, archive []byte, meta Metadata) (string, error) {
	if meta.ContributionID == "" {
		meta.ContributionID = uuid.NewString()
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("model", meta.Checksum+".tfjs.zip")
	if err != nil {
		return "", errors.Wrap(err, "failed to build contribution request")
	}
	if _, err = fw.Write(archive); err != nil {
		return "", errors.Wrap(err, "failed to build contribution request")
	}
	if err = mw.WriteField("hash", meta.Checksum); err != nil {
		return "", errors.Wrap(err, "failed to build contribution request")
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode contribution metadata")
	}
	if err = mw.WriteField("metadata", string(metaJSON)); err != nil {
		return "", errors.Wrap(err, "failed to build contribution request")
	}
	if err = mw.Close(); err != nil {
		return "", errors.Wrap(err, "failed to build contribution request")
	}

	endpoint := fmt.Sprintf("%s/api/projects/%s/contributions", c.baseURL, url.PathEscape(meta.ProjectID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", errors.Wrap(err, "failed to build contribution request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "failed to upload contribution to project %q", meta.ProjectID)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", errors.Errorf("uploading contribution to project %q: server returned %s: %s",
			meta.ProjectID, resp.Status, bytes.TrimSpace(payload))
	}
	klog.V(1).Infof("Contribution %s uploaded to project %q (%d bytes)",
		meta.ContributionID, meta.ProjectID, len(archive))
	return meta.ContributionID, nil
}
