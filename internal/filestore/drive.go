package filestore

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/snarg/callscribe/internal/ratelimit"
)

const folderMimeType = "application/vnd.google-apps.folder"

// DriveStore stores artifacts in Google Drive under a root folder.
type DriveStore struct {
	svc    *drive.Service
	rootID string
	log    zerolog.Logger

	// Folder-path → folder-id cache; folders are never deleted by this
	// process so entries stay valid for the run.
	mu      sync.Mutex
	folders map[string]string
}

// DriveConfig configures the Drive backend.
type DriveConfig struct {
	CredentialsPath string
	RootFolderID    string
	Limiter         *ratelimit.Limiter
}

// NewDriveStore creates a Drive-backed artifact store using a service
// account credentials file.
func NewDriveStore(ctx context.Context, cfg DriveConfig, log zerolog.Logger) (*DriveStore, error) {
	if cfg.Limiter != nil {
		// The oauth2 transport the credentials install wraps whatever base
		// client the context carries; this routes Drive traffic through
		// the limiter without replacing the auth layer.
		ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{
			Transport: &ratelimit.Transport{Endpoint: EndpointFileStore, Limiter: cfg.Limiter},
		})
	}
	svc, err := drive.NewService(ctx,
		option.WithCredentialsFile(cfg.CredentialsPath),
		option.WithScopes(drive.DriveFileScope),
	)
	if err != nil {
		return nil, fmt.Errorf("drive service: %w", err)
	}
	return &DriveStore{
		svc:     svc,
		rootID:  cfg.RootFolderID,
		log:     log.With().Str("component", "drive-store").Logger(),
		folders: make(map[string]string),
	}, nil
}

func (s *DriveStore) Type() string { return "drive" }

func (s *DriveStore) FindByName(ctx context.Context, folders []string, name string) (string, error) {
	parentID, err := s.resolveFolders(ctx, folders, false)
	if err != nil {
		return "", err
	}
	if parentID == "" {
		return "", nil
	}
	return s.findChild(ctx, parentID, name, "")
}

func (s *DriveStore) Upload(ctx context.Context, folders []string, name string, data []byte, contentType string) (string, error) {
	parentID, err := s.resolveFolders(ctx, folders, true)
	if err != nil {
		return "", err
	}

	// Idempotent by name: refresh content of an existing file instead of
	// creating a duplicate.
	existing, err := s.findChild(ctx, parentID, name, "")
	if err != nil {
		return "", err
	}
	if existing != "" {
		_, err := s.svc.Files.Update(existing, &drive.File{}).
			Media(bytes.NewReader(data)).
			Context(ctx).Do()
		if err != nil {
			return "", fmt.Errorf("drive update %s: %w", name, err)
		}
		s.log.Debug().Str("name", name).Str("file_id", existing).Msg("existing artifact refreshed")
		return existing, nil
	}

	f, err := s.svc.Files.Create(&drive.File{
		Name:     name,
		Parents:  []string{parentID},
		MimeType: contentType,
	}).Media(bytes.NewReader(data)).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("drive upload %s: %w", name, err)
	}
	return f.Id, nil
}

// resolveFolders walks the folder path under the root, optionally
// creating missing folders, and returns the deepest folder id ("" when
// not found and create is false).
func (s *DriveStore) resolveFolders(ctx context.Context, folders []string, create bool) (string, error) {
	parentID := s.rootID
	path := ""
	for _, f := range folders {
		path += "/" + f

		s.mu.Lock()
		cached, ok := s.folders[path]
		s.mu.Unlock()
		if ok {
			parentID = cached
			continue
		}

		id, err := s.findChild(ctx, parentID, f, folderMimeType)
		if err != nil {
			return "", err
		}
		if id == "" {
			if !create {
				return "", nil
			}
			created, err := s.svc.Files.Create(&drive.File{
				Name:     f,
				Parents:  []string{parentID},
				MimeType: folderMimeType,
			}).Context(ctx).Do()
			if err != nil {
				return "", fmt.Errorf("drive create folder %s: %w", f, err)
			}
			id = created.Id
			s.log.Debug().Str("folder", path).Str("folder_id", id).Msg("folder created")
		}

		s.mu.Lock()
		s.folders[path] = id
		s.mu.Unlock()
		parentID = id
	}
	return parentID, nil
}

// findChild returns the id of a child with the given name under parentID,
// optionally constrained by mime type. Returns "" when absent.
func (s *DriveStore) findChild(ctx context.Context, parentID, name, mimeType string) (string, error) {
	q := fmt.Sprintf("name = '%s' and '%s' in parents and trashed = false",
		escapeQuery(name), parentID)
	if mimeType != "" {
		q += fmt.Sprintf(" and mimeType = '%s'", mimeType)
	}
	list, err := s.svc.Files.List().Q(q).Fields("files(id)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("drive query: %w", err)
	}
	if len(list.Files) == 0 {
		return "", nil
	}
	return list.Files[0].Id, nil
}

func escapeQuery(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `'`, `\'`)
}
