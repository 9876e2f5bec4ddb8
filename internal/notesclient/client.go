// Package notesclient talks to the note REST API so the sync engine can drain the offline
// queue from a device that does not own the database.
package notesclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
)

const (
	notesPath       = "notes"
	contentTypeJSON = "application/json"
	maxErrorBody    = 4 << 10

	opGet    = "notesclient.get_note"
	opCreate = "notesclient.create_note"
	opUpdate = "notesclient.update_note"
	opDelete = "notesclient.delete_note"
	opList   = "notesclient.list_notes"
)

var (
	// ErrUnavailable indicates a transport failure or a server error; the call may be retried.
	ErrUnavailable = errors.New("notesclient: server unavailable")
	// ErrUnauthorized indicates the session token was missing, expired or rejected.
	ErrUnauthorized = errors.New("notesclient: unauthorized")

	errMissingBaseURL = errors.New("notesclient: base url is required")
)

// Config wires a Client.
type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client implements notes.Persistence over HTTP. The server derives the acting user from
// the session token, so the userID arguments only label log lines.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ notes.Persistence = (*Client)(nil)

// CreateRequest is the body of POST /notes.
type CreateRequest struct {
	ID     string           `json:"id"`
	Fields notes.NoteFields `json:"fields"`
}

// ListResponse is the body of GET /notes.
type ListResponse struct {
	Notes []notes.NoteSnapshot `json:"notes"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// New validates the configuration.
func New(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("notesclient: parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("notesclient: unsupported url scheme %q", parsed.Scheme)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: parsed, token: cfg.Token, httpClient: httpClient, logger: logger}, nil
}

// GetNoteByID fetches the live note.
func (c *Client) GetNoteByID(ctx context.Context, userID notes.UserID, noteID notes.NoteID) (notes.NoteSnapshot, error) {
	var snapshot notes.NoteSnapshot
	err := c.do(ctx, opGet, http.MethodGet, c.noteURL(noteID), nil, &snapshot)
	if err != nil {
		c.logFailure(opGet, err, userID, noteID)
	}
	return snapshot, err
}

// CreateNote creates noteID with fields.
func (c *Client) CreateNote(ctx context.Context, userID notes.UserID, noteID notes.NoteID, fields notes.NoteFields) (notes.NoteSnapshot, error) {
	var snapshot notes.NoteSnapshot
	body := CreateRequest{ID: noteID.String(), Fields: fields}
	err := c.do(ctx, opCreate, http.MethodPost, c.baseURL.JoinPath(notesPath), body, &snapshot)
	if err != nil {
		c.logFailure(opCreate, err, userID, noteID)
	}
	return snapshot, err
}

// UpdateNote applies a partial update.
func (c *Client) UpdateNote(ctx context.Context, userID notes.UserID, noteID notes.NoteID, patch notes.FieldPatch) (notes.NoteSnapshot, error) {
	var snapshot notes.NoteSnapshot
	err := c.do(ctx, opUpdate, http.MethodPatch, c.noteURL(noteID), patch, &snapshot)
	if err != nil {
		c.logFailure(opUpdate, err, userID, noteID)
	}
	return snapshot, err
}

// DeleteNote tombstones the note.
func (c *Client) DeleteNote(ctx context.Context, userID notes.UserID, noteID notes.NoteID) error {
	err := c.do(ctx, opDelete, http.MethodDelete, c.noteURL(noteID), nil, nil)
	if err != nil {
		c.logFailure(opDelete, err, userID, noteID)
	}
	return err
}

// ListNotes returns the caller's live notes.
func (c *Client) ListNotes(ctx context.Context) ([]notes.NoteSnapshot, error) {
	var response ListResponse
	if err := c.do(ctx, opList, http.MethodGet, c.baseURL.JoinPath(notesPath), nil, &response); err != nil {
		return nil, err
	}
	return response.Notes, nil
}

func (c *Client) noteURL(noteID notes.NoteID) *url.URL {
	return c.baseURL.JoinPath(notesPath, noteID.String())
}

func (c *Client) do(ctx context.Context, operation, method string, endpoint *url.URL, body any, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", operation, err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", operation, err)
	}
	if body != nil {
		request.Header.Set("Content-Type", contentTypeJSON)
	}
	request.Header.Set("Accept", contentTypeJSON)
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", operation, ErrUnavailable, err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusBadRequest {
		return statusError(operation, response)
	}
	if out == nil || response.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: %w: decode response: %w", operation, ErrUnavailable, err)
	}
	return nil
}

// statusError maps an error response onto the notes sentinels the sync engine classifies.
func statusError(operation string, response *http.Response) error {
	var payload ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Error == "" {
		payload.Error = http.StatusText(response.StatusCode)
	}

	var sentinel error
	switch response.StatusCode {
	case http.StatusNotFound:
		sentinel = notes.ErrNotFound
	case http.StatusForbidden:
		sentinel = notes.ErrPermissionDenied
	case http.StatusConflict:
		sentinel = notes.ErrAlreadyExists
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		sentinel = notes.ErrInvalidPatch
	case http.StatusUnauthorized:
		sentinel = ErrUnauthorized
	default:
		sentinel = ErrUnavailable
	}
	return fmt.Errorf("%s: %w: %s (status %d)", operation, sentinel, payload.Error, response.StatusCode)
}

func (c *Client) logFailure(operation string, err error, userID notes.UserID, noteID notes.NoteID) {
	if errors.Is(err, notes.ErrNotFound) {
		return
	}
	c.logger.Debug("notes request failed",
		zap.String("operation", operation),
		zap.String("user_id", userID.String()),
		zap.String("note_id", noteID.String()),
		zap.Error(err))
}
