// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package shotgrid treats the studio's production-tracking system as an
// opaque read/write collaborator, per spec.md §6: a directory of projects,
// shots, assets, and tasks to read, and an update/version/note surface to
// write on delivery. Register is a small registry of named Client
// constructors in the same spirit as the teacher's database-backend
// registration; main.go builds its client directly (NullClient or
// NewRESTClient) rather than through it.
package shotgrid

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/StalkR/hsts"
)

// Entity is a single ShotGrid record: a project, shot, asset, task, user, or
// anything else the API returns. Fields is intentionally untyped — callers
// ask for the keys their use case needs rather than a fixed struct per
// entity type.
type Entity struct {
	Type   string
	Id     int64
	Fields map[string]any
}

// Version is the record CreateVersion attaches to a delivered entity.
type Version struct {
	Code        string
	Description string
	Path        string
}

// Client is the read/write surface spec.md §6 names. Read: projects, shots,
// assets by project, tasks by entity, users by login/email. Write (called
// once, at transfer completion): update the linked entity's status, create a
// Version, create a summarizing Note. Per spec.md, failures here are logged
// and swallowed by the caller — Client implementations need not retry.
type Client interface {
	Project(projectId int64) (Entity, error)
	ShotsForProject(projectId int64) ([]Entity, error)
	AssetsForProject(projectId int64) ([]Entity, error)
	TasksForEntity(entityType string, entityId int64) ([]Entity, error)
	UserByLogin(login string) (Entity, error)
	UserByEmail(email string) (Entity, error)
	UpdateEntityStatus(entityType string, entityId int64, status string) error
	CreateVersion(entityType string, entityId int64, v Version) error
	CreateNote(entityType string, entityId int64, subject, content string) error
}

// registry of named Client constructors.
var createFuncs = make(map[string]func() (Client, error))

// AlreadyRegisteredError reports a duplicate registration under the same name.
type AlreadyRegisteredError struct {
	Name string
}

func (e AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("shotgrid: a client is already registered under %q", e.Name)
}

// Register associates name with a Client constructor, so config can select
// among alternate zero-argument implementations (a NullClient for disabled
// deployments, or a test double) without shotgrid callers caring
// which one they got.
func Register(name string, create func() (Client, error)) error {
	if _, found := createFuncs[name]; found {
		return AlreadyRegisteredError{Name: name}
	}
	createFuncs[name] = create
	return nil
}

// New constructs the named client.
func New(name string) (Client, error) {
	create, found := createFuncs[name]
	if !found {
		return nil, fmt.Errorf("shotgrid: no client registered under %q", name)
	}
	return create()
}

func init() {
	// the only zero-argument client; a RESTClient needs config.ShotGrid's
	// URL/script credentials, so callers construct it directly with
	// NewRESTClient instead of going through the registry.
	Register("null", func() (Client, error) { return NullClient{}, nil })
}

// NullClient is the degraded-mode collaborator used when config.ShotGrid.Enabled
// is false: every read returns a not-found-shaped empty result, every write
// logs and succeeds, so the delivery pipeline itself never blocks on a
// disabled ShotGrid integration.
type NullClient struct{}

func (NullClient) Project(projectId int64) (Entity, error) { return Entity{}, nil }
func (NullClient) ShotsForProject(projectId int64) ([]Entity, error) { return nil, nil }
func (NullClient) AssetsForProject(projectId int64) ([]Entity, error) { return nil, nil }
func (NullClient) TasksForEntity(entityType string, entityId int64) ([]Entity, error) {
	return nil, nil
}
func (NullClient) UserByLogin(login string) (Entity, error) { return Entity{}, nil }
func (NullClient) UserByEmail(email string) (Entity, error) { return Entity{}, nil }

func (NullClient) UpdateEntityStatus(entityType string, entityId int64, status string) error {
	slog.Info("shotgrid: disabled, skipping entity status update",
		"entity_type", entityType, "entity_id", entityId, "status", status)
	return nil
}

func (NullClient) CreateVersion(entityType string, entityId int64, v Version) error {
	slog.Info("shotgrid: disabled, skipping version creation",
		"entity_type", entityType, "entity_id", entityId, "code", v.Code)
	return nil
}

func (NullClient) CreateNote(entityType string, entityId int64, subject, content string) error {
	slog.Info("shotgrid: disabled, skipping note creation",
		"entity_type", entityType, "entity_id", entityId, "subject", subject)
	return nil
}

// RESTClient is the real collaborator: a thin JSON-over-HTTPS client
// authenticated with a ShotGrid API script (name + key), wrapped in an
// HSTS-enforcing transport so a downgraded redirect can never silently send
// script credentials over plain HTTP.
type RESTClient struct {
	baseURL    string
	scriptName string
	scriptKey  string
	http       http.Client
}

// secureHTTPClient builds an http.Client that follows no redirect (one down
// to http is reported as an error, any other is returned as the response)
// and enforces HSTS on every request.
func secureHTTPClient(timeout time.Duration) http.Client {
	client := http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if req.URL.Scheme == "http" {
				return fmt.Errorf("shotgrid: refusing to follow downgraded redirect to %s%s",
					req.URL.Host, req.URL.Path)
			}
			return http.ErrUseLastResponse
		},
	}
	client.Transport = hsts.New(client.Transport)
	return client
}

// NewRESTClient builds a RESTClient. ShotGrid endpoint/credentials aren't
// known until config.Init runs, so callers construct it directly rather than
// through the Register/New registry.
func NewRESTClient(baseURL, scriptName, scriptKey string) *RESTClient {
	return &RESTClient{
		baseURL:    baseURL,
		scriptName: scriptName,
		scriptKey:  scriptKey,
		http:       secureHTTPClient(30 * time.Second),
	}
}

func (c *RESTClient) Project(projectId int64) (Entity, error) {
	return c.readOne("Project", projectId)
}

func (c *RESTClient) ShotsForProject(projectId int64) ([]Entity, error) {
	return c.readMany("Shot", "project", projectId)
}

func (c *RESTClient) AssetsForProject(projectId int64) ([]Entity, error) {
	return c.readMany("Asset", "project", projectId)
}

func (c *RESTClient) TasksForEntity(entityType string, entityId int64) ([]Entity, error) {
	return c.readMany("Task", "entity", entityId, entityType)
}

func (c *RESTClient) UserByLogin(login string) (Entity, error) {
	return c.readByField("HumanUser", "login", login)
}

func (c *RESTClient) UserByEmail(email string) (Entity, error) {
	return c.readByField("HumanUser", "email", email)
}

func (c *RESTClient) UpdateEntityStatus(entityType string, entityId int64, status string) error {
	_, err := c.call(http.MethodPut, fmt.Sprintf("/api/v1/entity/%s/%d", entityType, entityId),
		map[string]any{"data": map[string]any{"sg_status_list": status}})
	return err
}

func (c *RESTClient) CreateVersion(entityType string, entityId int64, v Version) error {
	_, err := c.call(http.MethodPost, "/api/v1/entity/versions", map[string]any{
		"data": map[string]any{
			"code":        v.Code,
			"description": v.Description,
			"sg_path_to_movie": v.Path,
			"entity": map[string]any{"type": entityType, "id": entityId},
		},
	})
	return err
}

func (c *RESTClient) CreateNote(entityType string, entityId int64, subject, content string) error {
	_, err := c.call(http.MethodPost, "/api/v1/entity/notes", map[string]any{
		"data": map[string]any{
			"subject": subject,
			"content": content,
			"note_links": []map[string]any{{"type": entityType, "id": entityId}},
		},
	})
	return err
}

func (c *RESTClient) readOne(entityType string, id int64) (Entity, error) {
	body, err := c.call(http.MethodGet, fmt.Sprintf("/api/v1/entity/%s/%d", entityType, id), nil)
	if err != nil {
		return Entity{}, err
	}
	return decodeEntity(entityType, body)
}

func (c *RESTClient) readByField(entityType, field, value string) (Entity, error) {
	body, err := c.call(http.MethodGet,
		fmt.Sprintf("/api/v1/entity/%s?filter[%s]=%s", entityType, field, value), nil)
	if err != nil {
		return Entity{}, err
	}
	return decodeEntity(entityType, body)
}

func (c *RESTClient) readMany(entityType, filterField string, filterValue int64, parentType ...string) ([]Entity, error) {
	path := fmt.Sprintf("/api/v1/entity/%s?filter[%s]=%d", entityType, filterField, filterValue)
	if len(parentType) > 0 {
		path += "&filter_type=" + parentType[0]
	}
	body, err := c.call(http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return decodeEntities(entityType, body)
}

func (c *RESTClient) call(method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Script-Name", c.scriptName)
	req.Header.Set("X-Script-Key", c.scriptKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("shotgrid: %s %s: status %d: %s", method, path, resp.StatusCode, string(body))
	}
	return body, nil
}

func decodeEntity(entityType string, body []byte) (Entity, error) {
	var envelope struct {
		Data struct {
			Id         int64          `json:"id"`
			Attributes map[string]any `json:"attributes"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Entity{}, err
	}
	return Entity{Type: entityType, Id: envelope.Data.Id, Fields: envelope.Data.Attributes}, nil
}

func decodeEntities(entityType string, body []byte) ([]Entity, error) {
	var envelope struct {
		Data []struct {
			Id         int64          `json:"id"`
			Attributes map[string]any `json:"attributes"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	entities := make([]Entity, 0, len(envelope.Data))
	for _, d := range envelope.Data {
		entities = append(entities, Entity{Type: entityType, Id: d.Id, Fields: d.Attributes})
	}
	return entities, nil
}
