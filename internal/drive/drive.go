// Package drive reads supported documents out of a Google Drive folder.
package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"queryprism/internal/ingest"
	"queryprism/internal/loader"
	"queryprism/internal/pkg/apperr"
)

const (
	ScopeReadonly = "https://www.googleapis.com/auth/drive.readonly"
	AuthURL       = "https://accounts.google.com/o/oauth2/v2/auth"
	TokenURL      = "https://oauth2.googleapis.com/token"

	mimeFolder = "application/vnd.google-apps.folder"
	pageSize   = 100
)

type Config struct {
	ClientID          string
	ClientSecret      string
	RedirectURL       string
	RequestsPerSecond float64
	Burst             int
}

// Client holds the OAuth app credentials and the process-wide limiter.
type Client struct {
	oauth   *oauth2.Config
	limiter *RateLimiter
	opts    []option.ClientOption
}

// NewClient builds a Client. Extra options are passed to every Drive
// service it creates.
func NewClient(cfg Config, opts ...option.ClientOption) *Client {
	return &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{ScopeReadonly},
			Endpoint:     oauth2.Endpoint{AuthURL: AuthURL, TokenURL: TokenURL},
		},
		limiter: NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst),
		opts:    opts,
	}
}

// Configured reports whether OAuth credentials are present.
func (c *Client) Configured() bool {
	return c.oauth.ClientID != "" && c.oauth.ClientSecret != "" && c.oauth.RedirectURL != ""
}

// AuthCodeURL is the consent page; offline access yields a refresh token.
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a refresh token.
func (c *Client) Exchange(ctx context.Context, code string) (string, error) {
	tok, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return "", apperr.Wrap(err, apperr.CodeDriveNotConnected, "exchange authorization code failed")
	}
	if tok.RefreshToken == "" {
		return "", apperr.New(apperr.CodeDriveNotConnected, "authorization did not grant offline access")
	}
	return tok.RefreshToken, nil
}

// FolderSource opens folderID on behalf of the account behind refreshToken.
func (c *Client) FolderSource(ctx context.Context, refreshToken, folderID string) (*FolderSource, error) {
	if refreshToken == "" {
		return nil, apperr.New(apperr.CodeDriveNotConnected, "drive account is not connected")
	}
	ts := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	opts := append([]option.ClientOption{option.WithTokenSource(ts)}, c.opts...)
	return NewFolderSource(ctx, folderID, c.limiter, opts...)
}

// FolderSource lists and downloads the supported files directly inside
// one folder. Subfolders are not walked.
type FolderSource struct {
	svc      *drive.Service
	folderID string
	limiter  *RateLimiter
}

var _ ingest.Source = (*FolderSource)(nil)

func NewFolderSource(ctx context.Context, folderID string, limiter *RateLimiter, opts ...option.ClientOption) (*FolderSource, error) {
	if strings.TrimSpace(folderID) == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "drive folder is not set")
	}
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeDriveFailure, "create drive service failed")
	}
	if limiter == nil {
		limiter = NewRateLimiter(0, 0)
	}
	return &FolderSource{svc: svc, folderID: folderID, limiter: limiter}, nil
}

// Query is the Drive search expression for supported files in folderID.
func Query(folderID string) string {
	types := loader.SupportedMIMETypes()
	clauses := make([]string, len(types))
	for i, t := range types {
		clauses[i] = fmt.Sprintf("mimeType = '%s'", t)
	}
	return fmt.Sprintf("'%s' in parents and mimeType != '%s' and trashed = false and (%s)",
		escape(folderID), mimeFolder, strings.Join(clauses, " or "))
}

func (s *FolderSource) List(ctx context.Context) ([]ingest.RemoteFile, error) {
	var (
		files []ingest.RemoteFile
		token string
	)
	query := Query(s.folderID)
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		call := s.svc.Files.List().
			Q(query).
			Fields("nextPageToken, files(id, name, mimeType)").
			PageSize(pageSize).
			Context(ctx)
		if token != "" {
			call = call.PageToken(token)
		}
		page, err := call.Do()
		if err != nil {
			return nil, s.classify(ctx, err, "list folder failed")
		}
		for _, f := range page.Files {
			files = append(files, ingest.RemoteFile{ID: f.Id, Name: f.Name, MIMEType: f.MimeType})
		}
		token = page.NextPageToken
		if token == "" {
			return files, nil
		}
	}
}

func (s *FolderSource) Open(ctx context.Context, file ingest.RemoteFile) (io.ReadCloser, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := s.svc.Files.Get(file.ID).Context(ctx).Download()
	if err != nil {
		return nil, s.classify(ctx, err, "download file failed", apperr.Field("file_id", file.ID))
	}
	return resp.Body, nil
}

func (s *FolderSource) classify(ctx context.Context, err error, msg string, fields ...apperr.Attr) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	fields = append(fields, apperr.Field("folder_id", s.folderID))

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return apperr.Wrap(err, apperr.CodeDriveNotConnected, msg, fields...)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized:
			return apperr.Wrap(err, apperr.CodeDriveNotConnected, msg, fields...)
		case http.StatusTooManyRequests:
			s.limiter.Backoff(0)
		}
	}
	return apperr.Wrap(err, apperr.CodeDriveFailure, msg, fields...)
}

func escape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
