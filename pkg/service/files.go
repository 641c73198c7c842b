// Copyright 2024-2026 Cronus42
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package service

import (
	"context"
	"mime"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/cronus42/mattermost-mcp/pkg/mmclient"
)

// Files covers the file upload, download, and metadata endpoints.
type Files struct {
	client *mmclient.Client
}

// UploadFile uploads raw file contents to a channel and returns the
// stored file records, ready to be attached to a post via FileIds.
func (f *Files) UploadFile(ctx context.Context, channelID, filename string, data []byte) ([]*model.FileInfo, error) {
	query := url.Values{
		"channel_id": {channelID},
		"filename":   {filename},
	}
	body, err := f.client.Upload(ctx, "/files", query, MimeType(filename), data)
	if err != nil {
		return nil, err
	}
	resp, err := decode[model.FileUploadResponse](body, "/files")
	if err != nil {
		return nil, err
	}
	return resp.FileInfos, nil
}

// GetFileInfo fetches a file's metadata.
func (f *Files) GetFileInfo(ctx context.Context, fileID string) (*model.FileInfo, error) {
	path := "/files/" + fileID + "/info"
	data, err := f.client.Get(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	return decode[model.FileInfo](data, path)
}

// GetFile downloads a file's raw contents.
func (f *Files) GetFile(ctx context.Context, fileID string) ([]byte, error) {
	return f.client.Get(ctx, "/files/"+fileID, nil)
}

// GetFileThumbnail downloads a file's thumbnail image.
func (f *Files) GetFileThumbnail(ctx context.Context, fileID string) ([]byte, error) {
	return f.client.Get(ctx, "/files/"+fileID+"/thumbnail", nil)
}

// GetFilePreview downloads a file's preview image.
func (f *Files) GetFilePreview(ctx context.Context, fileID string) ([]byte, error) {
	return f.client.Get(ctx, "/files/"+fileID+"/preview", nil)
}

// GetFilesForPost lists the metadata of all files attached to a post.
func (f *Files) GetFilesForPost(ctx context.Context, postID string) ([]*model.FileInfo, error) {
	path := "/posts/" + postID + "/files/info"
	data, err := f.client.Get(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	infos, err := decode[[]*model.FileInfo](data, path)
	if err != nil {
		return nil, err
	}
	return *infos, nil
}

// GetFilePublicLink generates a public link for a file.
func (f *Files) GetFilePublicLink(ctx context.Context, fileID string) (string, error) {
	path := "/files/" + fileID + "/link"
	data, err := f.client.Get(ctx, path, nil)
	if err != nil {
		return "", err
	}
	link, err := decode[struct {
		Link string `json:"link"`
	}](data, path)
	if err != nil {
		return "", err
	}
	return link.Link, nil
}

// SearchFiles runs a full-text search over a team's files.
func (f *Files) SearchFiles(ctx context.Context, teamID, terms string, isOrSearch bool) (*model.FileInfoList, error) {
	path := "/teams/" + teamID + "/files/search"
	body := map[string]any{"terms": terms, "is_or_search": isOrSearch}
	data, err := f.client.Post(ctx, path, body)
	if err != nil {
		return nil, err
	}
	return decode[model.FileInfoList](data, path)
}

// MimeType guesses a content type from the filename, falling back to
// octet-stream.
func MimeType(filename string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); t != "" {
		return t
	}
	return "application/octet-stream"
}
